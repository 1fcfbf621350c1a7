package domain

import (
	"encoding/json"
	"time"
)

// VoteDecision is a voter's choice.
type VoteDecision string

const (
	DecisionApprove VoteDecision = "approve"
	DecisionReject  VoteDecision = "reject"
	DecisionAbstain VoteDecision = "abstain"
)

// Valid reports whether d is a known decision.
func (d VoteDecision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionReject, DecisionAbstain:
		return true
	}
	return false
}

// ProposalStatus is the consensus state machine position.
type ProposalStatus string

const (
	ProposalVoting   ProposalStatus = "voting"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalTimeout  ProposalStatus = "timeout"
)

// Terminal reports whether no further votes are accepted.
func (s ProposalStatus) Terminal() bool { return s != ProposalVoting }

// Vote is a recorded ballot.
type Vote struct {
	Decision  VoteDecision `json:"decision"`
	Weight    float64      `json:"weight"`
	Timestamp time.Time    `json:"timestamp"`
}

// VoteSubmission is the inbound vote shape.
type VoteSubmission struct {
	ProposalID string       `json:"proposal_id"`
	VoterID    string       `json:"voter_id"`
	Decision   VoteDecision `json:"decision"`
	Weight     float64      `json:"weight,omitempty"`
}

// ProposalRequest is the payload of a consensus_proposal message.
type ProposalRequest struct {
	ProposalID    string          `json:"proposal_id,omitempty"`
	ProposalType  string          `json:"proposal_type"`
	ProposalData  json.RawMessage `json:"proposal_data,omitempty"`
	Threshold     float64         `json:"threshold,omitempty"`
	EstimatedTime time.Duration   `json:"estimated_time,omitempty"`
	Proposer      string          `json:"proposer,omitempty"`
}

// ConsensusProposal is a snapshot of a proposal.
type ConsensusProposal struct {
	ProposalID    string          `json:"proposal_id"`
	ProposalType  string          `json:"proposal_type"`
	Data          json.RawMessage `json:"data,omitempty"`
	Proposer      string          `json:"proposer,omitempty"`
	VotingAgents  []string        `json:"voting_agents"`
	Votes         map[string]Vote `json:"votes"`
	Threshold     float64         `json:"threshold"`
	CreatedAt     time.Time       `json:"created_at"`
	TimeoutAt     time.Time       `json:"timeout_at"`
	EstimatedTime time.Duration   `json:"estimated_time"`
	Status        ProposalStatus  `json:"status"`
	FinalizedAt   time.Time       `json:"finalized_at,omitempty"`
	ApprovalRatio float64         `json:"approval_ratio"`
	Prediction    *Insight        `json:"prediction,omitempty"`
}

// Tally returns approve weight, total weight and their ratio (0 when no votes).
func Tally(votes map[string]Vote) (approve, total, ratio float64) {
	for _, v := range votes {
		total += v.Weight
		if v.Decision == DecisionApprove {
			approve += v.Weight
		}
	}
	if total > 0 {
		ratio = approve / total
	}
	return approve, total, ratio
}
