package live

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/luuplife/server/internal/protocol"
	"github.com/luuplife/server/internal/ratelimit"
	"github.com/luuplife/server/internal/session"
)

// maxAnswerChars bounds questions and answers.
const maxAnswerChars = 500

// PollStatus is the public progress of a quick poll.
type PollStatus struct {
	ResponseCount int  `json:"response_count"`
	MinResponses  int  `json:"min_responses"`
	ResultsShown  bool `json:"results_shown"`
}

// StatusOf summarizes a quick poll payload.
func StatusOf(p *session.QuickPoll) PollStatus {
	return PollStatus{
		ResponseCount: len(p.Responses),
		MinResponses:  p.MinResponses,
		ResultsShown:  p.ResultsShown,
	}
}

// CreateQuickPoll creates a poll whose results are revealed once
// minResponses submissions arrived.
func (s *Service) CreateQuickPoll(ctx context.Context, questions []string, minResponses int) (*session.Record, error) {
	if len(questions) == 0 {
		return nil, invalid("at least one question is required")
	}
	if len(questions) > s.limits.MaxQuestions {
		return nil, invalid("maximum %d questions allowed", s.limits.MaxQuestions)
	}
	if minResponses < 1 {
		return nil, invalid("minimum responses must be at least 1")
	}
	qs := make([]string, len(questions))
	for i, q := range questions {
		q = strings.TrimSpace(q)
		if q == "" || len([]rune(q)) > maxAnswerChars {
			return nil, invalid("question %d must be 1 to %d characters", i+1, maxAnswerChars)
		}
		qs[i] = q
	}
	if err := s.moderate("", qs...); err != nil {
		return nil, err
	}

	return s.store.Create(ctx, session.KindQuickPoll, &session.QuickPoll{
		Questions:    qs,
		MinResponses: minResponses,
		Responses:    []session.PollResponse{},
	})
}

// SubmitPoll records one participant's answers. The results are revealed
// when the number of responses reaches the poll's minimum; after that no
// more submissions are accepted. Every accepted submission is announced to
// the poll's live members.
func (s *Service) SubmitPoll(ctx context.Context, id, client string, answers []string) (PollStatus, error) {
	if err := s.allow(ctx, client, ratelimit.RuleSubmit); err != nil {
		return PollStatus{}, err
	}
	for i, a := range answers {
		if len([]rune(a)) > maxAnswerChars {
			return PollStatus{}, invalid("answer %d exceeds %d characters", i+1, maxAnswerChars)
		}
	}

	unlock := s.lock(id)
	defer unlock()

	rec, err := s.Get(ctx, id, session.KindQuickPoll)
	if err != nil {
		return PollStatus{}, err
	}
	poll := rec.Payload.(*session.QuickPoll)
	if poll.ResultsShown {
		return PollStatus{}, ErrResultsShown
	}
	if len(answers) != len(poll.Questions) {
		return PollStatus{}, invalid("number of responses must match number of questions")
	}

	responses := make([]session.PollResponse, 0, len(poll.Responses)+1)
	responses = append(responses, poll.Responses...)
	responses = append(responses, session.PollResponse{
		ID:        uuid.NewString(),
		Answers:   append([]string(nil), answers...),
		Timestamp: s.store.Now().UTC(),
	})
	shown := len(responses) >= poll.MinResponses

	rec, err = notFound(s.store.Update(ctx, id, session.QuickPollPatch{
		Responses:    responses,
		ResultsShown: &shown,
	}))
	if err != nil {
		return PollStatus{}, err
	}

	status := StatusOf(rec.Payload.(*session.QuickPoll))
	s.broadcast(id, protocol.TypePollUpdate, protocol.PollUpdateMsg{
		ResponseCount: status.ResponseCount,
		MinResponses:  status.MinResponses,
		ResultsShown:  status.ResultsShown,
	})
	return status, nil
}

// PollResults returns the questions and responses of a poll whose results
// were revealed.
func (s *Service) PollResults(ctx context.Context, id string) (*session.QuickPoll, error) {
	rec, err := s.Get(ctx, id, session.KindQuickPoll)
	if err != nil {
		return nil, err
	}
	poll := rec.Payload.(*session.QuickPoll)
	if !poll.ResultsShown {
		return nil, ErrResultsPending
	}
	return poll, nil
}
