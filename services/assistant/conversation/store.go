// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/projecthub/services/assistant/storage/badger"
)

// Store reads and writes conversation records.
type Store interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation) error

	// AppendMessage assigns the next sequence number and stores msg. The
	// conversation is created on its first message.
	AppendMessage(ctx context.Context, msg *Message) error

	// RecentMessages returns up to n latest messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error)

	// SaveContext replaces the derived context on the conversation record.
	SaveContext(ctx context.Context, conversationID string, c *Context) error

	// Archive marks the conversation archived.
	Archive(ctx context.Context, conversationID string) error

	GetProject(ctx context.Context, id string) (*Project, error)
	SaveProject(ctx context.Context, p *Project) error
	Milestones(ctx context.Context, projectID string) ([]Milestone, error)
	SaveMilestone(ctx context.Context, m *Milestone) error
}

const (
	convPrefix      = "conv/"
	msgPrefix       = "msg/"
	projectPrefix   = "proj/"
	milestonePrefix = "ms/"
)

func convKey(id string) string { return convPrefix + id }

func msgKey(convID string, seq int64) string {
	return fmt.Sprintf("%s%s/%012d", msgPrefix, convID, seq)
}

func projectKey(id string) string { return projectPrefix + id }

func milestoneKey(projectID, id string) string {
	return milestonePrefix + projectID + "/" + id
}

// BadgerStore implements Store on BadgerDB.
//
// Thread Safety: Safe for concurrent use. Read-modify-write operations run
// in one transaction; conflicting writers get badger.ErrConflict and are
// retried a few times.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStore wraps an opened database.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db, now: time.Now}
}

func validID(id string) bool {
	return id != "" && !strings.Contains(id, "/")
}

// updateWithRetry reruns fn on transaction conflicts.
func (s *BadgerStore) updateWithRetry(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	var err error
	for i := 0; i < 5; i++ {
		err = s.db.Update(ctx, fn)
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
	}
	return err
}

func getConversation(txn *badgerdb.Txn, id string) (*Conversation, error) {
	var conv Conversation
	if err := badger.GetJSON(txn, convKey(id), &conv); err != nil {
		if errors.Is(err, badger.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, err
	}
	return &conv, nil
}

// GetConversation implements Store.
func (s *BadgerStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, id)
	}
	var conv *Conversation
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		var err error
		conv, err = getConversation(txn, id)
		return err
	})
	return conv, err
}

// SaveConversation implements Store.
func (s *BadgerStore) SaveConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || !validID(conv.ID) {
		return fmt.Errorf("save conversation: invalid id")
	}
	now := s.now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	return s.db.Update(ctx, func(txn *badgerdb.Txn) error {
		return badger.PutJSON(txn, convKey(conv.ID), conv)
	})
}

// AppendMessage implements Store.
func (s *BadgerStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil || !validID(msg.ConversationID) || strings.TrimSpace(msg.Content) == "" {
		return ErrInvalidMessage
	}
	if msg.Role != RoleUser && msg.Role != RoleAssistant {
		return fmt.Errorf("%w: role %q", ErrInvalidMessage, msg.Role)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	return s.updateWithRetry(ctx, func(txn *badgerdb.Txn) error {
		conv, err := getConversation(txn, msg.ConversationID)
		if errors.Is(err, ErrConversationNotFound) {
			conv = &Conversation{ID: msg.ConversationID, CreatedAt: now}
		} else if err != nil {
			return err
		}
		conv.MessageCount++
		conv.UpdatedAt = now
		msg.Seq = conv.MessageCount

		if err := badger.PutJSON(txn, msgKey(msg.ConversationID, msg.Seq), msg); err != nil {
			return err
		}
		return badger.PutJSON(txn, convKey(conv.ID), conv)
	})
}

// RecentMessages implements Store.
func (s *BadgerStore) RecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	if !validID(conversationID) {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, conversationID)
	}
	var newestFirst []Message
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		return badger.ScanPrefixReverse(txn, msgPrefix+conversationID+"/", n, func(_ string, val []byte) error {
			var m Message
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			newestFirst = append(newestFirst, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	out := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}

// SaveContext implements Store.
func (s *BadgerStore) SaveContext(ctx context.Context, conversationID string, c *Context) error {
	return s.updateWithRetry(ctx, func(txn *badgerdb.Txn) error {
		conv, err := getConversation(txn, conversationID)
		if err != nil {
			return err
		}
		conv.Context = c
		conv.UpdatedAt = s.now().UTC()
		return badger.PutJSON(txn, convKey(conv.ID), conv)
	})
}

// Archive implements Store.
func (s *BadgerStore) Archive(ctx context.Context, conversationID string) error {
	return s.updateWithRetry(ctx, func(txn *badgerdb.Txn) error {
		conv, err := getConversation(txn, conversationID)
		if err != nil {
			return err
		}
		conv.Archived = true
		conv.UpdatedAt = s.now().UTC()
		return badger.PutJSON(txn, convKey(conv.ID), conv)
	})
}

// GetProject implements Store.
func (s *BadgerStore) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		return badger.GetJSON(txn, projectKey(id), &p)
	})
	if errors.Is(err, badger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProject implements Store.
func (s *BadgerStore) SaveProject(ctx context.Context, p *Project) error {
	if p == nil || !validID(p.ID) {
		return fmt.Errorf("save project: invalid id")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	return s.db.Update(ctx, func(txn *badgerdb.Txn) error {
		return badger.PutJSON(txn, projectKey(p.ID), p)
	})
}

// Milestones implements Store.
func (s *BadgerStore) Milestones(ctx context.Context, projectID string) ([]Milestone, error) {
	var out []Milestone
	err := s.db.View(ctx, func(txn *badgerdb.Txn) error {
		return badger.ScanPrefix(txn, milestonePrefix+projectID+"/", func(_ string, val []byte) error {
			var m Milestone
			if err := json.Unmarshal(val, &m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("milestones: %w", err)
	}
	return out, nil
}

// SaveMilestone implements Store.
func (s *BadgerStore) SaveMilestone(ctx context.Context, m *Milestone) error {
	if m == nil || !validID(m.ProjectID) {
		return fmt.Errorf("save milestone: invalid project id")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return s.db.Update(ctx, func(txn *badgerdb.Txn) error {
		return badger.PutJSON(txn, milestoneKey(m.ProjectID, m.ID), m)
	})
}
