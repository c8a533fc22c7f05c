package discord

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
)

// Gateway opcodes used by the bridge.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatAck   = 11
)

// Intents requested on identify.
const Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

var (
	errReconnectRequested = errors.New("gateway requested reconnect")
	errInvalidSession     = errors.New("gateway invalidated the session")
	errZombieConnection   = errors.New("heartbeat not acknowledged, connection is stale")
)

// terminalCloseCodes end the connection loop instead of reconnecting.
var terminalCloseCodes = map[int]string{
	4004: "authentication failed",
	4010: "invalid shard",
	4011: "sharding required",
	4012: "invalid API version",
	4013: "invalid intents",
	4014: "disallowed intents",
}

// TerminalError is returned when the gateway closed with a code that a
// reconnect cannot fix.
type TerminalError struct {
	Code   int
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("gateway closed with %d: %s", e.Code, e.Reason)
}

// classifyReadError maps a websocket close to a TerminalError when the code
// is terminal.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if reason, ok := terminalCloseCodes[ce.Code]; ok {
			return &TerminalError{Code: ce.Code, Reason: reason}
		}
	}
	return err
}

type outboundFrame struct {
	Op int `json:"op"`
	D  any `json:"d"`
}

type helloData struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyData struct {
	Token      string             `json:"token"`
	Intents    discordgo.Intent   `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

func identifyFrame(token string) outboundFrame {
	return outboundFrame{
		Op: opIdentify,
		D: identifyData{
			Token:   token,
			Intents: Intents,
			Properties: identifyProperties{
				OS:      runtime.GOOS,
				Browser: "ranya-bridge",
				Device:  "ranya-bridge",
			},
		},
	}
}

// heartbeatFrame carries the last sequence number, or null before any
// dispatch was seen.
func heartbeatFrame(seq int64) outboundFrame {
	if seq == 0 {
		return outboundFrame{Op: opHeartbeat, D: nil}
	}
	return outboundFrame{Op: opHeartbeat, D: seq}
}

func decodeHello(ev *discordgo.Event) (helloData, error) {
	var hello helloData
	if ev.Operation != opHello {
		return hello, fmt.Errorf("expected hello, got op %d", ev.Operation)
	}
	if err := json.Unmarshal(ev.RawData, &hello); err != nil {
		return hello, fmt.Errorf("failed to decode hello: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return hello, fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)
	}
	return hello, nil
}
