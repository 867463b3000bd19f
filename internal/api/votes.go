package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aindaco1/pool-sub001/internal/campaign"
	"github.com/aindaco1/pool-sub001/internal/votes"
	"github.com/aindaco1/pool-sub001/pkg/httpx"
)

// maxDecisionsPerCampaign bounds the GET /votes response; campaigns run a
// handful of decisions, not hundreds.
const maxDecisionsPerCampaign = 20

func (s *Server) handleGetVotes(w http.ResponseWriter, r *http.Request) {
	p, err := s.authPledge(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	c, ok := s.campaigns.Campaign(p.CampaignSlug)
	if !ok {
		writeDomainError(w, votes.ErrUnknownDecision)
		return
	}
	ids := requestedDecisionIDs(r.URL.Query().Get("decisions"), c)
	results := make([]votes.Result, 0, len(ids))
	for _, id := range ids {
		res, err := s.votes.Results(r.Context(), id, p.Email)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		results = append(results, res)
	}
	httpx.WriteOK(w, 200, map[string]any{
		"campaign_slug": p.CampaignSlug,
		"decisions":     results,
	})
}

// requestedDecisionIDs resolves the ?decisions=id1,id2 filter against the
// caller's campaign. Ids the campaign does not run are dropped rather than
// erroring, so a stale bookmark still returns the decisions that remain.
// Without the filter every decision of the campaign is returned. Either way
// the list is capped.
func requestedDecisionIDs(param string, c campaign.Campaign) []string {
	var ids []string
	if strings.TrimSpace(param) == "" {
		for _, d := range c.Decisions {
			ids = append(ids, d.ID)
		}
	} else {
		seen := make(map[string]bool)
		for _, raw := range strings.Split(param, ",") {
			id := strings.TrimSpace(raw)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			if c.HasDecision(id) {
				ids = append(ids, id)
			}
		}
	}
	if len(ids) > maxDecisionsPerCampaign {
		ids = ids[:maxDecisionsPerCampaign]
	}
	return ids
}

type castVoteRequest struct {
	Token      string `json:"token,omitempty"`
	DecisionID string `json:"decision_id"`
	Option     string `json:"option"`
}

func (s *Server) handleCastVote(w http.ResponseWriter, r *http.Request) {
	var req castVoteRequest
	if err := httpx.ReadJSON(r, &req); err != nil {
		httpx.WriteError(w, 400, "BAD_JSON", err.Error(), nil)
		return
	}
	if req.Token != "" {
		r.Header.Set("Authorization", "Bearer "+req.Token)
	}
	p, err := s.authPledge(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if d, ok := s.campaigns.Decision(req.DecisionID); !ok || d.CampaignSlug != p.CampaignSlug {
		writeDomainError(w, votes.ErrUnknownDecision)
		return
	}

	res, err := s.votes.Cast(r.Context(), req.DecisionID, p.Email, req.Option)
	if err != nil {
		// A closed decision still reports the standing result so the
		// backer sees what they already voted for.
		if errors.Is(err, votes.ErrDecisionClosed) {
			if standing, rerr := s.votes.Results(r.Context(), req.DecisionID, p.Email); rerr == nil {
				httpx.WriteError(w, 409, "DECISION_CLOSED", "voting on this decision has closed", map[string]any{
					"decision": standing,
				})
				return
			}
		}
		writeDomainError(w, err)
		return
	}
	httpx.WriteOK(w, 200, map[string]any{"decision": res})
}
