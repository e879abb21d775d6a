// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command assistant runs the ProjectHub AI assistant.
//
// # Usage
//
//	# Serve the HTTP API
//	assistant serve --config assistant.yaml
//
//	# Ask one question without a server
//	assistant ask "How do I structure my literature review?"
//
//	# Show this month's usage of one caller
//	assistant usage --caller student-42
//
// # Environment Variables
//
// Every config field can be overridden with ASSISTANT_<SECTION>_<FIELD>,
// for example ASSISTANT_INFERENCE_API_KEY or ASSISTANT_RATE_LIMIT_PER_MINUTE.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
