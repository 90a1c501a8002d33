// Package coord keeps several emulation servers lock-stepped on one clock
// and one topology. A single Coordinator walks every registered Peer through
// REGISTER, EXCHANGE, START and STEP, holding each phase as a barrier until
// all peers have arrived.
package coord

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/signalsfoundry/mesh-emulator/core"
	"github.com/signalsfoundry/mesh-emulator/scheduler"
)

// State is the token carried in the first part of every request. It names
// the phase the sender believes the cluster is in.
type State string

const (
	StateRegister State = "register"
	StateExchange State = "exchange"
	StateStart    State = "start_nodes"
	StateStep     State = "distance_matrix"
)

// ResetToken is published on the broadcast channel when a scenario aborts.
const ResetToken = "reset"

// ErrMalformed reports a frame that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// maxParts bounds the part count of one frame.
const maxParts = 64

// Message is one request or reply. Args are codec-encoded payloads.
type Message struct {
	State    State
	ServerID int
	Args     [][]byte
}

// Encode frames m as: uvarint part count, then for each part a uvarint
// length followed by the bytes. Part 0 is the state, part 1 the decimal
// server ID, the rest are Args.
func (m Message) Encode() []byte {
	parts := make([][]byte, 0, 2+len(m.Args))
	parts = append(parts, []byte(m.State), []byte(strconv.Itoa(m.ServerID)))
	parts = append(parts, m.Args...)

	size := binary.MaxVarintLen64
	for _, p := range parts {
		size += binary.MaxVarintLen64 + len(p)
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = binary.AppendUvarint(buf, uint64(len(p)))
		buf = append(buf, p...)
	}
	return buf
}

// DecodeMessage parses a frame produced by Encode.
func DecodeMessage(data []byte) (Message, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 || count < 2 || count > maxParts {
		return Message{}, fmt.Errorf("%w: bad part count", ErrMalformed)
	}
	data = data[n:]
	parts := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(data)
		if n <= 0 || l > uint64(len(data)-n) {
			return Message{}, fmt.Errorf("%w: truncated part %d", ErrMalformed, i)
		}
		data = data[n:]
		parts = append(parts, data[:l:l])
		data = data[l:]
	}
	if len(data) != 0 {
		return Message{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data))
	}
	id, err := strconv.Atoi(string(parts[1]))
	if err != nil {
		return Message{}, fmt.Errorf("%w: server id %q", ErrMalformed, parts[1])
	}
	m := Message{State: State(parts[0]), ServerID: id}
	if len(parts) > 2 {
		m.Args = parts[2:]
	}
	return m, nil
}

// Mode selects how tick matrices reach the peers.
type Mode string

const (
	// ModePush answers each peer's step request with its own slice.
	ModePush Mode = "push"
	// ModeBroadcast publishes the full matrix and collects acknowledgements.
	ModeBroadcast Mode = "broadcast"
)

// RegisterReply answers a register request.
type RegisterReply struct {
	ServerID int `json:"server_id" codec:"server_id"`
}

// ExchangeRequest carries what the coordinator needs to schedule a peer.
type ExchangeRequest struct {
	TunnelAddress string          `json:"tunnel_address" codec:"tunnel_address"`
	Score         scheduler.Score `json:"score" codec:"score"`
}

// ScenarioConfig is the per-peer answer to the exchange phase.
type ScenarioConfig struct {
	Scenario string `json:"scenario" codec:"scenario"`
	RunID    string `json:"run_id" codec:"run_id"`
	ServerID int    `json:"server_id" codec:"server_id"`
	Mode     Mode   `json:"mode" codec:"mode"`
	// Nodes are the node IDs this peer emulates.
	Nodes      []int          `json:"nodes" codec:"nodes"`
	Assignment map[int][]int  `json:"assignment" codec:"assignment"`
	Tunnels    map[int]string `json:"tunnels" codec:"tunnels"`
	// Error is set when the cluster cannot be scheduled.
	Error string `json:"error,omitempty" codec:"error"`
}

// NodeServer inverts the assignment into node -> server.
func (c ScenarioConfig) NodeServer() map[int]int {
	out := make(map[int]int)
	for sid, nodes := range c.Assignment {
		for _, n := range nodes {
			out[n] = sid
		}
	}
	return out
}

// StepRequest asks for (push) or acknowledges (broadcast) tick Step.
// A non-empty Failed reports that the peer could not apply Step and is
// leaving the scenario.
type StepRequest struct {
	Step   int    `json:"step" codec:"step"`
	Failed string `json:"failed,omitempty" codec:"failed"`
}

// StepReply answers a step request. In push mode it carries the peer's
// slice of the tick matrix; Done ends the scenario.
type StepReply struct {
	Step      int                     `json:"step" codec:"step"`
	Adjacency map[int][]core.Neighbor `json:"adjacency,omitempty" codec:"adjacency"`
	Done      bool                    `json:"done,omitempty" codec:"done"`
	// Aborted acknowledges a failure report.
	Aborted   bool                    `json:"aborted,omitempty" codec:"aborted"`
}

// MatrixBroadcast is published once per tick in broadcast mode. Unchanged
// means the matrix equals the previous one and Adjacency is omitted.
type MatrixBroadcast struct {
	Step      int                     `json:"step" codec:"step"`
	Unchanged bool                    `json:"unchanged,omitempty" codec:"unchanged"`
	Adjacency map[int][]core.Neighbor `json:"adjacency,omitempty" codec:"adjacency"`
}
