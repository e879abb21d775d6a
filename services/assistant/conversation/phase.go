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

import "time"

// Phase is a stage of an academic project.
type Phase string

// Phases in order.
const (
	PhaseProposal       Phase = "proposal"
	PhaseResearch       Phase = "research"
	PhaseImplementation Phase = "implementation"
	PhaseTesting        Phase = "testing"
	PhaseSubmission     Phase = "submission"
)

var phaseOrder = []Phase{PhaseProposal, PhaseResearch, PhaseImplementation, PhaseTesting, PhaseSubmission}

// Rank is the position of p in the phase order, or -1 for unknown phases.
func (p Phase) Rank() int {
	for i, q := range phaseOrder {
		if p == q {
			return i
		}
	}
	return -1
}

// phaseForProgress maps progress in [0, 1] to a phase.
func phaseForProgress(progress float64) Phase {
	switch {
	case progress >= 1:
		return PhaseSubmission
	case progress >= 0.7:
		return PhaseTesting
	case progress >= 0.4:
		return PhaseImplementation
	case progress >= 0.2:
		return PhaseResearch
	default:
		return PhaseProposal
	}
}

// InferPhase derives the phase from the completed-milestone ratio, or from
// elapsed days over expectedDays when there are no milestones.
func InferPhase(project *Project, milestones []Milestone, now time.Time, expectedDays int) Phase {
	if len(milestones) > 0 {
		done := 0
		for _, m := range milestones {
			if m.Completed {
				done++
			}
		}
		return phaseForProgress(float64(done) / float64(len(milestones)))
	}
	if project == nil || project.CreatedAt.IsZero() || expectedDays <= 0 {
		return PhaseProposal
	}
	elapsed := now.Sub(project.CreatedAt).Hours() / 24
	if elapsed < 0 {
		elapsed = 0
	}
	return phaseForProgress(elapsed / float64(expectedDays))
}

// LaterPhase returns whichever of a and b comes later. Unknown phases lose.
func LaterPhase(a, b Phase) Phase {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}
