// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command membrane is the developer harness for the runtime-hardening core.
//
// It drives the membrane with synthetic workloads, serves its telemetry
// and reads back the persisted healing audit.
//
// Usage:
//
//	go run ./cmd/membrane storm --kind random-churn --ops 100000 --workers 4
//	go run ./cmd/membrane snapshot --probes 500
//	go run ./cmd/membrane serve --addr :8080 --config membrane.yaml
//	go run ./cmd/membrane replay --config membrane.yaml --limit 50
//
// Example requests against serve:
//
//	curl http://localhost:8080/v1/snapshot | jq
//	curl 'http://localhost:8080/v1/audit?after=100&limit=20' | jq
//	curl http://localhost:8080/metrics
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
