// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the assistant service.
//
// # Caller Identity
//
// The assistant does not authenticate. An upstream gateway does that and
// forwards the caller id, which is only used to key rate limits and usage
// records:
//
//	Request
//	   │
//	   ▼
//	CallerMiddleware
//	   │
//	   ├─► "X-Caller-ID: <id>"
//	   │
//	   ├─► else "Authorization: Bearer <id>"
//	   │
//	   └─► Store caller id in context (empty for anonymous callers)
//	           │
//	           ▼
//	       Handler (retrieves via GetCallerID)
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CallerHeader carries the caller id set by the gateway.
const CallerHeader = "X-Caller-ID"

// maxCallerIDLen bounds ids used as rate-limit keys.
const maxCallerIDLen = 128

const callerIDKey = "projecthub_caller_id"

// SetCallerID stores the caller id in the Gin context.
func SetCallerID(c *gin.Context, id string) {
	c.Set(callerIDKey, id)
}

// GetCallerID returns the caller id, or "" for anonymous callers and
// requests that did not pass through CallerMiddleware.
func GetCallerID(c *gin.Context) string {
	return c.GetString(callerIDKey)
}

// CallerMiddleware resolves the caller id of every request.
//
// # Description
//
// X-Caller-ID wins over a bearer token. Ids are trimmed, and ids longer
// than 128 bytes or containing control characters are ignored so that a
// client cannot mint unbounded rate-limit keys.
//
// # Thread Safety
//
// The returned middleware can be used concurrently.
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(CallerHeader))
		if id == "" {
			id = extractBearerToken(c)
		}
		if !validCallerID(id) {
			id = ""
		}
		SetCallerID(c, id)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". The scheme
// is case-insensitive.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func validCallerID(id string) bool {
	if id == "" || len(id) > maxCallerIDLen {
		return false
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return false
		}
	}
	return true
}
