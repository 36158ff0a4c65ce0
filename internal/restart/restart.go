// Package restart replaces a running daemon with a fresh copy of its binary.
// The successor takes over the listening socket and redeploys the search
// agents that were running, so an upgrade neither refuses connections nor
// forgets what the analysts asked to watch.
package restart

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const (
	envListenerFD = "WATCHTOWER_LISTENER_FD"
	envAgentTerms = "WATCHTOWER_AGENT_TERMS"

	// ExtraFiles[0] is always fd 3 in the child.
	childListenerFD = 3
)

// Handoff is the state a daemon passes to its successor.
type Handoff struct {
	Listener net.Listener
	// Terms had running agents when the parent handed off.
	Terms []string
}

type Restarter struct {
	Listener net.Listener
	Args     []string
	Env      []string
	// Terms reports the running agents at the moment of the handoff.
	Terms func() []string
}

// Restart starts the successor process. The caller drains its agents and
// shuts the current process down afterwards.
func (r *Restarter) Restart() error {
	if r.Listener == nil {
		return fmt.Errorf("listener not set")
	}
	if len(r.Args) == 0 {
		return fmt.Errorf("args not set")
	}
	tcp, ok := r.Listener.(*net.TCPListener)
	if !ok {
		return fmt.Errorf("unsupported listener type %T", r.Listener)
	}
	file, err := tcp.File()
	if err != nil {
		return fmt.Errorf("listener file: %w", err)
	}
	defer file.Close()

	var terms []string
	if r.Terms != nil {
		terms = r.Terms()
	}
	env, err := childEnv(r.Env, terms)
	if err != nil {
		return err
	}

	cmd := exec.Command(r.Args[0], r.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = env
	cmd.ExtraFiles = []*os.File{file}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start successor: %w", err)
	}
	return nil
}

// childEnv drops any handoff variables the parent itself inherited so a
// second restart does not replay stale terms.
func childEnv(base []string, terms []string) ([]string, error) {
	env := make([]string, 0, len(base)+2)
	for _, kv := range base {
		if strings.HasPrefix(kv, envListenerFD+"=") || strings.HasPrefix(kv, envAgentTerms+"=") {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, envListenerFD+"="+strconv.Itoa(childListenerFD))
	if len(terms) > 0 {
		raw, err := json.Marshal(terms)
		if err != nil {
			return nil, fmt.Errorf("encode agent terms: %w", err)
		}
		env = append(env, envAgentTerms+"="+string(raw))
	}
	return env, nil
}

// Inherit reads the handoff left by a parent process. A normally started
// process gets a zero Handoff.
func Inherit() (Handoff, error) {
	var h Handoff
	if raw := os.Getenv(envAgentTerms); raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.Terms); err != nil {
			return Handoff{}, fmt.Errorf("decode %s: %w", envAgentTerms, err)
		}
	}
	rawFD := os.Getenv(envListenerFD)
	if rawFD == "" {
		return h, nil
	}
	fd, err := strconv.Atoi(rawFD)
	if err != nil {
		return Handoff{}, fmt.Errorf("invalid listener fd: %w", err)
	}
	file := os.NewFile(uintptr(fd), "listener")
	if file == nil {
		return Handoff{}, fmt.Errorf("listener fd %d is not open", fd)
	}
	defer file.Close()
	ln, err := net.FileListener(file)
	if err != nil {
		return Handoff{}, fmt.Errorf("file listener: %w", err)
	}
	h.Listener = ln
	return h, nil
}

// Listen returns the inherited handoff, binding addr when no listener was
// passed down.
func Listen(addr string) (Handoff, error) {
	h, err := Inherit()
	if err != nil {
		return Handoff{}, err
	}
	if h.Listener != nil {
		return h, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Handoff{}, err
	}
	h.Listener = ln
	return h, nil
}
