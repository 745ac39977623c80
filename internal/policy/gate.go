// Package policy implements the per-task admission checks the node applies
// before it will start an algorithm container: image allow-listing and
// user/organization allow-listing.
package policy

import (
	"context"
	"fmt"
	"regexp"

	"github.com/vantage6/node/internal/config"
	"github.com/vantage6/node/internal/log"
	"github.com/vantage6/node/internal/nodeclient"
)

// Task carries the admission-relevant fields of a task descriptor. It is a
// narrow view, not the full wire type, so the gate doesn't depend on
// whatever transport layer eventually parses task descriptors.
type Task struct {
	Image         string
	IsSubtask     bool // started by another algorithm container on this node, on behalf of an already-admitted parent task
	InitiatorOrg  int
	InitiatorUser int
}

// Gate evaluates task admission against a node's configured policies.
type Gate struct {
	cfg               config.PoliciesConfig
	allowedAlgorithms []*regexp.Regexp
	allowedImages     []*regexp.Regexp
	client            nodeclient.Client
}

// New compiles cfg's regex lists once. A bad pattern must be caught at
// startup, never mid-task, so New returns an error instead of deferring
// compilation to Admit.
func New(cfg config.PoliciesConfig, client nodeclient.Client) (*Gate, error) {
	g := &Gate{cfg: cfg, client: client}

	for _, pattern := range cfg.AllowedAlgorithms {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling allowed_algorithms pattern %q: %w", pattern, err)
		}
		g.allowedAlgorithms = append(g.allowedAlgorithms, re)
	}
	for _, pattern := range cfg.AllowedImages {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling allowed_images pattern %q: %w", pattern, err)
		}
		g.allowedImages = append(g.allowedImages, re)
	}
	return g, nil
}

// Admit reports whether task should be allowed to run.
//
// Precedence, matching the original node's is_docker_image_allowed:
//  1. Subtasks bypass every check - a parent task was already admitted, and
//     re-checking its children independently would reject legitimate
//     federated sub-computations.
//  2. If allowed_algorithms is configured, the image must match at least
//     one pattern.
//  3. If allowed_users/allowed_organizations is configured, the server must
//     confirm the initiator is covered.
//  4. If the legacy allowed_images is configured, the image must also match
//     at least one of its patterns (ANDed with step 2, not ORed - both
//     lists, when both are set, must agree).
//  5. If none of the above are configured, the task is admitted and a
//     warning is logged: an unconfigured node is open by default.
func (g *Gate) Admit(ctx context.Context, task Task) (bool, error) {
	if task.IsSubtask {
		return true, nil
	}

	checkedAnything := false

	if len(g.allowedAlgorithms) > 0 {
		checkedAnything = true
		if !matchesAny(g.allowedAlgorithms, task.Image) {
			return false, nil
		}
	}

	if len(g.cfg.AllowedUsers) > 0 || len(g.cfg.AllowedOrgs) > 0 {
		checkedAnything = true
		allowed, err := g.client.CheckUserAllowedToSendTask(ctx, g.cfg.AllowedUsers, g.cfg.AllowedOrgs, task.InitiatorOrg, task.InitiatorUser)
		if err != nil {
			return false, fmt.Errorf("checking user/org allow-list: %w", err)
		}
		if !allowed {
			return false, nil
		}
	}

	if len(g.allowedImages) > 0 {
		checkedAnything = true
		if !matchesAny(g.allowedImages, task.Image) {
			return false, nil
		}
	}

	if !checkedAnything {
		log.Warn("no image or user/org policies configured, admitting task by default", "image", task.Image)
	}

	return true, nil
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
