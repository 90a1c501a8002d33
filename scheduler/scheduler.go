// Package scheduler assigns logical nodes to physical emulation servers.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrSchedulingInfeasible reports inputs the chosen policy cannot place.
var ErrSchedulingInfeasible = errors.New("scheduling infeasible")

// ServerID is a 1-based server number assigned at registration.
type ServerID int

// Assignment maps every server to the contiguous range of node IDs it hosts.
// Every server of the scenario has an entry, possibly empty.
type Assignment map[ServerID][]int

// Scheduler distributes sorted node IDs over serverCount servers.
type Scheduler interface {
	Distribute(nodeIDs []int, serverCount int) (Assignment, error)
}

// Score is the capacity a server reports during the exchange phase.
type Score struct {
	CPU        float64 `json:"cpu" codec:"cpu"`
	FreeMemory uint64  `json:"free_memory" codec:"free_memory"`
}

// Equal gives every server floor(n/servers) nodes and hands the remainder
// out one by one starting with server 1.
type Equal struct{}

func (Equal) Distribute(nodeIDs []int, serverCount int) (Assignment, error) {
	if serverCount < 1 {
		return nil, fmt.Errorf("%w: server count %d", ErrSchedulingInfeasible, serverCount)
	}
	counts := make([]int, serverCount)
	base := len(nodeIDs) / serverCount
	rem := len(nodeIDs) % serverCount
	for i := range counts {
		counts[i] = base
		if i < rem {
			counts[i]++
		}
	}
	return slice(nodeIDs, counts), nil
}

// ScoreBased apportions nodes by CPU score share and caps each server by
// the memory its nodes need.
type ScoreBased struct {
	// Scores is indexed by server ID.
	Scores map[ServerID]Score
	// PerNodeMemory is the memory one node costs, in the unit of
	// Score.FreeMemory. Zero disables the cap.
	PerNodeMemory uint64
}

func (s ScoreBased) Distribute(nodeIDs []int, serverCount int) (Assignment, error) {
	if serverCount < 1 {
		return nil, fmt.Errorf("%w: server count %d", ErrSchedulingInfeasible, serverCount)
	}
	total := 0.0
	for id := 1; id <= serverCount; id++ {
		sc, ok := s.Scores[ServerID(id)]
		if !ok {
			return nil, fmt.Errorf("%w: no capacity score for server %d", ErrSchedulingInfeasible, id)
		}
		if sc.CPU < 0 {
			return nil, fmt.Errorf("%w: negative cpu score for server %d", ErrSchedulingInfeasible, id)
		}
		total += sc.CPU
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: total cpu score is zero", ErrSchedulingInfeasible)
	}

	order := s.byScore(serverCount)
	n := len(nodeIDs)
	counts := make([]int, serverCount)
	remaining := n
	for _, idx := range order {
		share := int(math.Ceil(float64(n) * s.Scores[ServerID(idx+1)].CPU / total))
		if share > remaining {
			share = remaining
		}
		for share > 0 && !s.fits(idx, share) {
			share--
		}
		counts[idx] = share
		remaining -= share
	}

	// Leftovers go round-robin over descending scores, preferring servers
	// with memory to spare; once every server is full they are placed anyway
	// so no node is ever dropped.
	for remaining > 0 {
		placed := false
		for _, idx := range order {
			if remaining == 0 {
				break
			}
			if s.fits(idx, counts[idx]+1) {
				counts[idx]++
				remaining--
				placed = true
			}
		}
		if !placed {
			for _, idx := range order {
				if remaining == 0 {
					break
				}
				counts[idx]++
				remaining--
			}
		}
	}
	return slice(nodeIDs, counts), nil
}

func (s ScoreBased) fits(idx, count int) bool {
	if s.PerNodeMemory == 0 {
		return true
	}
	return uint64(count)*s.PerNodeMemory <= s.Scores[ServerID(idx+1)].FreeMemory
}

// byScore returns zero-based server indexes ordered by descending CPU score,
// ties broken by server ID.
func (s ScoreBased) byScore(serverCount int) []int {
	order := make([]int, serverCount)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return s.Scores[ServerID(order[a]+1)].CPU > s.Scores[ServerID(order[b]+1)].CPU
	})
	return order
}

// slice cuts nodeIDs into contiguous runs of the given sizes, in server order.
func slice(nodeIDs []int, counts []int) Assignment {
	sorted := append([]int(nil), nodeIDs...)
	sort.Ints(sorted)
	out := make(Assignment, len(counts))
	pos := 0
	for i, c := range counts {
		out[ServerID(i+1)] = append([]int{}, sorted[pos:pos+c]...)
		pos += c
	}
	return out
}

// ServerOf returns the server hosting node, or false.
func (a Assignment) ServerOf(node int) (ServerID, bool) {
	for sid, nodes := range a {
		for _, n := range nodes {
			if n == node {
				return sid, true
			}
		}
	}
	return 0, false
}

// Nodes returns a copy of the nodes placed on server.
func (a Assignment) Nodes(server ServerID) []int {
	return append([]int(nil), a[server]...)
}

// NodeSet returns the nodes of server as a set.
func (a Assignment) NodeSet(server ServerID) map[int]bool {
	out := make(map[int]bool, len(a[server]))
	for _, n := range a[server] {
		out[n] = true
	}
	return out
}

// Servers returns the server IDs in ascending order.
func (a Assignment) Servers() []ServerID {
	out := make([]ServerID, 0, len(a))
	for sid := range a {
		out = append(out, sid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Format renders the assignment one server per line for operators.
func (a Assignment) Format() string {
	var b strings.Builder
	for _, sid := range a.Servers() {
		fmt.Fprintf(&b, "server %d: %d nodes %v\n", sid, len(a[sid]), a[sid])
	}
	return b.String()
}

// Policy names accepted by New.
const (
	PolicyEqual = "equal"
	PolicyScore = "score"
)

// New resolves a policy name. Scores are only used by the score policy.
func New(policy string, scores map[ServerID]Score, perNodeMemory uint64) (Scheduler, error) {
	switch strings.ToLower(policy) {
	case PolicyEqual, "":
		return Equal{}, nil
	case PolicyScore:
		return ScoreBased{Scores: scores, PerNodeMemory: perNodeMemory}, nil
	default:
		return nil, fmt.Errorf("unknown scheduling policy %q", policy)
	}
}
