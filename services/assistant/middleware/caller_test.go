// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func resolve(t *testing.T, headers map[string]string) string {
	t.Helper()
	router := gin.New()
	router.Use(CallerMiddleware())
	var got string
	router.GET("/", func(c *gin.Context) {
		got = GetCallerID(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	return got
}

func TestCallerMiddleware(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"anonymous", nil, ""},
		{"caller header", map[string]string{CallerHeader: " student-1 "}, "student-1"},
		{"bearer token", map[string]string{"Authorization": "Bearer student-2"}, "student-2"},
		{"bearer is case insensitive", map[string]string{"Authorization": "bearer student-3"}, "student-3"},
		{"header wins over bearer", map[string]string{CallerHeader: "a", "Authorization": "Bearer b"}, "a"},
		{"basic auth ignored", map[string]string{"Authorization": "Basic abc"}, ""},
		{"too long", map[string]string{CallerHeader: strings.Repeat("x", 129)}, ""},
		{"control characters", map[string]string{CallerHeader: "a\tb"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolve(t, tt.headers); got != tt.want {
				t.Errorf("caller id = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetCallerID_WithoutMiddleware(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if got := GetCallerID(c); got != "" {
		t.Errorf("GetCallerID() = %q, want empty", got)
	}
}
