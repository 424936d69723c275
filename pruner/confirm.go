package pruner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Preview summarizes a cycle before its destructive sweep.
type Preview struct {
	Phase          PrunePhase `json:"phase"`
	ProtectedRoots int        `json:"protected_roots"`
	ExpiredRoots   int        `json:"expired_roots"`
	MarkedNodes    uint64     `json:"marked_nodes"`
	MarkerType     string     `json:"marker_type"`
	RecycleBin     bool       `json:"recycle_bin"`
}

// Confirmer approves a destructive sweep.
type Confirmer interface {
	Confirm(ctx context.Context, preview Preview) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, preview Preview) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, preview Preview) (bool, error) {
	return f(ctx, preview)
}

// PromptConfirmer asks on a terminal and only accepts an explicit "yes".
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer
}

func (c *PromptConfirmer) Confirm(ctx context.Context, p Preview) (bool, error) {
	fmt.Fprintf(c.Out, "About to sweep %d expired state roots (%d protected, %d reachable nodes, marker %s",
		p.ExpiredRoots, p.ProtectedRoots, p.MarkedNodes, p.MarkerType)
	if p.RecycleBin {
		fmt.Fprint(c.Out, ", recycle bin enabled")
	}
	fmt.Fprint(c.Out, ").\nType 'yes' to continue: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(c.In).ReadString('\n')
		answer <- line
	}()

	select {
	case line := <-answer:
		return strings.TrimSpace(strings.ToLower(line)) == "yes", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
