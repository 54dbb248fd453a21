package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/zerorouter/zerorouter/backend/internal/service/signer"
)

// terminalApprover asks on out and reads y/n from in before every
// signature. EOF counts as a denial.
func terminalApprover(in io.Reader, out io.Writer) signer.Approver {
	reader := bufio.NewReader(in)
	var mu sync.Mutex

	return func(ctx context.Context, req signer.ApprovalRequest) (bool, error) {
		mu.Lock()
		defer mu.Unlock()

		programs := make([]string, 0, len(req.Programs))
		for _, p := range req.Programs {
			programs = append(programs, p.String())
		}
		fmt.Fprintf(out, "\nsign transaction as %s\n  instructions: %d\n  programs:     %s\napprove? [y/N] ",
			req.Signer, req.Instructions, strings.Join(programs, ", "))

		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				return false, nil
			}
			return false, err
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}
