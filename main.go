// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-timesync - offline-first time tracking sync engine")
	fmt.Println("=====================================================")
	fmt.Println()
	fmt.Println("Local changes are stored in SQLite, queued durably and sent to the server in order;")
	fmt.Println("server changes are downloaded incrementally and merged by modification time.")
	fmt.Println()

	fmt.Println("Examples:")
	fmt.Println()
	fmt.Println("1. Sync server (examples/syncserver/)")
	fmt.Println("   Record routes over net/http, JWT auth, PostgreSQL or in-memory storage")
	fmt.Println("   Run: DATABASE_URL=postgres://... go run ./examples/syncserver")
	fmt.Println()
	fmt.Println("2. Offline flow (examples/offline_flow/)")
	fmt.Println("   Tracks time while offline, reconnects and shows a second device converging")
	fmt.Println("   Run: go run ./examples/offline_flow [-server http://localhost:8080]")
	fmt.Println()
}
