// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewStatusCommand builds the wonder_status command: a read-only summary
// of the rendezvous directory's pending/processed counts and oldest
// pending age. Exits 0 unless the directory itself is unreadable.
func NewStatusCommand() *cobra.Command {
	status := &cobra.Command{
		Use:           "wonder_status",
		Short:         "print counts and ages of pending rendezvous work",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := collectStatus(sharedDir)
			if err != nil {
				return fmt.Errorf("wonder_status: %w", err)
			}
			fmt.Printf("pending requests:   %d\n", report.pendingRequests)
			fmt.Printf("pending responses:  %d\n", report.pendingResponses)
			fmt.Printf("processed:          %d\n", report.processed)
			if report.pendingRequests > 0 {
				fmt.Printf("oldest pending age: %s\n", report.oldestPendingAge.Round(time.Second))
			} else {
				fmt.Println("oldest pending age: n/a")
			}
			return nil
		},
	}

	AddCommonFlags(status)

	return status
}

type statusReport struct {
	pendingRequests  int
	pendingResponses int
	processed        int
	oldestPendingAge time.Duration
}

func collectStatus(root string) (statusReport, error) {
	var report statusReport

	requestsDir := filepath.Join(root, "requests")
	entries, err := os.ReadDir(requestsDir)
	if err != nil {
		return statusReport{}, fmt.Errorf("read %s: %w", requestsDir, err)
	}

	var oldest time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		report.pendingRequests++
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if oldest.IsZero() || info.ModTime().Before(oldest) {
			oldest = info.ModTime()
		}
	}
	if !oldest.IsZero() {
		report.oldestPendingAge = time.Since(oldest)
	}

	if entries, err := os.ReadDir(filepath.Join(root, "responses")); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				report.pendingResponses++
			}
		}
	}

	if entries, err := os.ReadDir(filepath.Join(root, "processed")); err == nil {
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
				report.processed++
			}
		}
	}

	return report, nil
}
