package collaborator

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// Script is a YAML description of canned responses.
//
//	responses:
//	  design_reviewer:
//	    - verdict: needs_revision
//	      patch: {design_feedback: "mesh too coarse"}
//	    - verdict: approve
//	defaults:
//	  designer: {verdict: ok}
//
// Each role consumes its queue in order, then falls back to its default.
type Script struct {
	Responses map[Role][]Response `yaml:"responses"`
	Defaults  map[Role]Response   `yaml:"defaults,omitempty"`
}

// Validate checks every scripted verdict against its role.
func (s *Script) Validate() error {
	for role, queue := range s.Responses {
		for i, r := range queue {
			if err := CheckVerdict(role, r.Verdict); err != nil {
				return fmt.Errorf("responses.%s[%d]: %w", role, i, err)
			}
		}
	}
	for role, r := range s.Defaults {
		if err := CheckVerdict(role, r.Verdict); err != nil {
			return fmt.Errorf("defaults.%s: %w", role, err)
		}
	}
	return nil
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return ParseScript(data)
}

// Scripted replays a Script. It is safe for concurrent use.
type Scripted struct {
	mu       sync.Mutex
	script   *Script
	position map[Role]int
	calls    []Role
}

// NewScripted creates a collaborator that replays script.
func NewScripted(script *Script) *Scripted {
	if script == nil {
		script = &Script{}
	}
	return &Scripted{script: script, position: make(map[Role]int)}
}

// Invoke returns the next response queued for req.Role.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, req.Role)
	queue := s.script.Responses[req.Role]
	if i := s.position[req.Role]; i < len(queue) {
		s.position[req.Role] = i + 1
		return clonePatch(queue[i]), nil
	}
	if r, ok := s.script.Defaults[req.Role]; ok {
		return clonePatch(r), nil
	}
	return Response{}, errors.NewCollaboratorError(string(req.Role), "no scripted response left", errors.ErrScriptExhausted)
}

// Calls returns the roles invoked so far, in order.
func (s *Scripted) Calls() []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Role(nil), s.calls...)
}

// Remaining returns how many queued responses role has left.
func (s *Scripted) Remaining(role Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.script.Responses[role]) - s.position[role]
}

// clonePatch copies the top-level patch map so callers cannot edit the script.
func clonePatch(r Response) Response {
	if r.Patch == nil {
		return r
	}
	p := make(map[string]any, len(r.Patch))
	for k, v := range r.Patch {
		p[k] = v
	}
	r.Patch = p
	return r
}
