package consensus

import (
	"math"

	cstypes "dbft_demo/consensus/types"
	"dbft_demo/types"
)

// 视图切换与恢复

// requestChangeView asks the committee to leave the current view. When more
// than F validators committed or went silent a view change cannot gather M
// votes, so the node asks for recovery instead.
func (cs *ConsensusState) requestChangeView(reason types.ChangeViewReason) {
	rc := cs.rc
	if rc.IsObserver() {
		return
	}
	if rc.ViewNumber == math.MaxUint8 {
		cs.Logger.Error("No view left to change to", "height", rc.Height)
		return
	}
	expected := rc.ViewNumber + 1
	cs.changeTimer(cs.backoff(uint(expected) + 1))

	if rc.MoreThanFNodesCommittedOrLost() {
		cs.Logger.Info("Requesting recovery instead of a view change", "height", rc.Height, "view", rc.ViewNumber,
			"committed", rc.CountCommitted(), "failed", rc.FailureCount())
		cs.requestRecovery()
		return
	}
	cs.Logger.Info("Sending ChangeView", "height", rc.Height, "view", rc.ViewNumber, "nv", expected,
		"committed", rc.CountCommitted(), "failed", rc.FailureCount(), "reason", reason)
	cs.sendChangeView(expected, reason)
	cs.checkExpectedView(expected)
}

func (cs *ConsensusState) sendChangeView(newView uint8, reason types.ChangeViewReason) {
	rc := cs.rc
	payload, err := cs.makePayload(&types.ChangeView{
		ViewNumber:    rc.ViewNumber,
		NewViewNumber: newView,
		Timestamp:     cs.nowMillis(),
		Reason:        reason,
	})
	if err != nil {
		cs.Logger.Error("Failed to sign ChangeView", "err", err)
		return
	}
	rc.ChangeViewPayloads.Set(rc.MyIndex, payload)
	if newView > rc.ExpectedView[rc.MyIndex] {
		rc.ExpectedView[rc.MyIndex] = newView
	}
	if newView > rc.ViewNumber {
		rc.Flags.Set(cstypes.FlagViewChanging)
	}
	cs.broadcast(payload)
}

// checkExpectedView moves to view once M validators announced it or a
// higher one.
func (cs *ConsensusState) checkExpectedView(view uint8) {
	rc := cs.rc
	if rc.ViewNumber >= view {
		return
	}
	if rc.CountExpectedViewAtLeast(view) < rc.M() {
		return
	}
	if !rc.IsObserver() && rc.ExpectedView[rc.MyIndex] < view {
		// tell the others this node agrees on moving to view
		cs.sendChangeView(view, types.CVChangeAgreement)
	}
	cs.initializeConsensus(view)
}

func (cs *ConsensusState) onChangeView(p *types.ConsensusPayload, msg *types.ChangeView) {
	rc := cs.rc
	idx := int(p.ValidatorIndex)

	// a request for a view we already left, or any request once committed,
	// is answered with what this node knows
	if msg.NewViewNumber <= rc.ViewNumber || rc.CommitSent() {
		cs.onRecoveryRequest(p)
	}
	if rc.CommitSent() {
		return
	}
	if msg.NewViewNumber <= rc.ExpectedView[idx] {
		return
	}

	cs.Logger.Info("Received ChangeView", "height", rc.Height, "view", msg.ViewNumber, "index", idx,
		"nv", msg.NewViewNumber, "reason", msg.Reason)
	rc.ExpectedView[idx] = msg.NewViewNumber
	rc.ChangeViewPayloads.Set(idx, p)
	cs.checkExpectedView(msg.NewViewNumber)
}

func (cs *ConsensusState) requestRecovery() {
	rc := cs.rc
	payload, err := cs.makePayload(&types.RecoveryRequest{
		ViewNumber: rc.ViewNumber,
		Timestamp:  cs.nowMillis(),
	})
	if err != nil {
		cs.Logger.Error("Failed to sign RecoveryRequest", "err", err)
		return
	}
	cs.Logger.Info("Sending RecoveryRequest", "height", rc.Height, "view", rc.ViewNumber)
	cs.broadcast(payload)
}

// onRecoveryRequest answers p privately. Each payload is answered once per
// height, and unless this node committed only the F+1 validators following
// the requester answer.
func (cs *ConsensusState) onRecoveryRequest(p *types.ConsensusPayload) {
	rc := cs.rc
	h := p.Hash()
	if _, ok := cs.knownHashes[h]; ok {
		return
	}
	cs.knownHashes[h] = struct{}{}
	if rc.IsObserver() {
		return
	}

	from := int(p.ValidatorIndex)
	if !rc.CommitSent() {
		chosen := false
		for i := 1; i <= rc.F()+1; i++ {
			if (from+i)%rc.N() == rc.MyIndex {
				chosen = true
				break
			}
		}
		if !chosen {
			return
		}
	}

	payload, err := cs.makePayload(rc.MakeRecoveryMessage())
	if err != nil {
		cs.Logger.Error("Failed to sign RecoveryMessage", "err", err)
		return
	}
	cs.Logger.Info("Sending RecoveryMessage", "height", rc.Height, "view", rc.ViewNumber, "to", from)
	cs.metric.MarkRecoverySent()
	cs.broadcaster.SendTo(from, payload)
}

func (cs *ConsensusState) broadcastRecoveryMessage() {
	rc := cs.rc
	payload, err := cs.makePayload(rc.MakeRecoveryMessage())
	if err != nil {
		cs.Logger.Error("Failed to sign RecoveryMessage", "err", err)
		return
	}
	cs.Logger.Info("Broadcasting RecoveryMessage", "height", rc.Height, "view", rc.ViewNumber)
	cs.metric.MarkRecoverySent()
	cs.broadcast(payload)
}

// onRecoveryMessage replays the evidence of msg through the regular
// handlers. Every rebuilt payload is verified again.
func (cs *ConsensusState) onRecoveryMessage(p *types.ConsensusPayload, msg *types.RecoveryMessage) {
	cs.isRecovering = true
	defer func() { cs.isRecovering = false }()

	rc := cs.rc
	var (
		validChangeViews, totalChangeViews int
		validPrepReq, totalPrepReq         int
		validPrepResp, totalPrepResp       int
		validCommits, totalCommits         int
	)
	defer func() {
		cs.Logger.Info("Recovery finished", "from", p.ValidatorIndex, "view", msg.ViewNumber,
			"cv", validChangeViews, "cv_total", totalChangeViews,
			"req", validPrepReq, "req_total", totalPrepReq,
			"resp", validPrepResp, "resp_total", totalPrepResp,
			"commit", validCommits, "commit_total", totalCommits)
	}()

	if msg.ViewNumber > rc.ViewNumber {
		if rc.CommitSent() {
			return
		}
		cvs := rc.ChangeViewPayloadsFrom(msg)
		totalChangeViews = len(cvs)
		for _, cv := range cvs {
			if cs.reverifyAndProcess(cv, rc.ChangeViewPayloads) {
				validChangeViews++
			}
		}
	}

	if msg.ViewNumber == rc.ViewNumber && !rc.NotAcceptingPayloadsDueToViewChanging() && !rc.CommitSent() {
		if !rc.RequestSentOrReceived() {
			if req := rc.PrepareRequestPayloadFrom(msg); req != nil {
				totalPrepReq = 1
				if cs.reverifyAndProcess(req, rc.PreparationPayloads) {
					validPrepReq++
				}
			}
		}
		resps := rc.PrepareResponsePayloadsFrom(msg)
		totalPrepResp = len(resps)
		for _, resp := range resps {
			if cs.reverifyAndProcess(resp, rc.PreparationPayloads) {
				validPrepResp++
			}
		}
	}

	if msg.ViewNumber == rc.ViewNumber {
		commits := rc.CommitPayloadsFrom(msg)
		totalCommits = len(commits)
		for _, c := range commits {
			if cs.reverifyAndProcess(c, rc.CommitPayloads) {
				validCommits++
			}
		}
	}
}

// reverifyAndProcess runs p through the envelope checks and its handler and
// reports whether it ended up in slots.
func (cs *ConsensusState) reverifyAndProcess(p *types.ConsensusPayload, slots *cstypes.PayloadSlots) bool {
	if !cs.onConsensusPayload(p, "") {
		return false
	}
	return slots.Get(int(p.ValidatorIndex)) == p
}
