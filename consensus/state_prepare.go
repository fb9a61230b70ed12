package consensus

import (
	"errors"
	"time"

	tmrand "github.com/tendermint/tendermint/libs/rand"

	cstypes "dbft_demo/consensus/types"
	"dbft_demo/types"
)

// 提案、准备、提交阶段

// sendPrepareRequest 主节点打包交易并广播提案
func (cs *ConsensusState) sendPrepareRequest() {
	rc := cs.rc
	txs := cs.selectTransactions()
	hashes := txs.Hashes()

	timestamp := cs.nowMillis()
	if timestamp <= rc.PrevTimestamp {
		timestamp = rc.PrevTimestamp + 1
	}
	msg := &types.PrepareRequest{
		ViewNumber:        rc.ViewNumber,
		Timestamp:         timestamp,
		Nonce:             tmrand.Uint64(),
		NextConsensus:     rc.NextConsensus,
		TransactionHashes: hashes,
	}
	if len(txs) > 0 {
		msg.FirstTransaction = txs[0]
	}
	payload, err := cs.makePayload(msg)
	if err != nil {
		cs.Logger.Error("Failed to sign PrepareRequest", "err", err)
		return
	}

	rc.SetProposal(msg.Timestamp, msg.Nonce, hashes)
	for _, tx := range txs {
		rc.AddTransaction(tx)
	}
	rc.PreparationPayloads.Set(rc.MyIndex, payload)
	rc.Flags.Set(cstypes.FlagRequestSent)

	cs.Logger.Info("Sending PrepareRequest", "height", rc.Height, "view", rc.ViewNumber, "txs", len(hashes))
	cs.broadcast(payload)

	delay := cs.backoff(uint(rc.ViewNumber) + 1)
	if rc.ViewNumber == 0 {
		delay -= cs.config.TimePerBlock
	}
	cs.changeTimer(delay)

	if rc.N() == 1 {
		cs.checkPreparations()
	}
}

// selectTransactions reaps pool transactions that are not on chain, pass the
// validator and fit the block size limit.
func (cs *ConsensusState) selectTransactions() types.Txs {
	candidates := cs.txResolver.ReapMaxTxs(cs.config.MaxTxPerBlock)
	txs := make(types.Txs, 0, len(candidates))
	seen := make(map[types.Hash]struct{}, len(candidates))
	var size int64
	for _, tx := range candidates {
		h := tx.Hash()
		if _, ok := seen[h]; ok {
			continue
		}
		if cs.ledger.ContainsTransaction(h) {
			continue
		}
		if err := cs.txValidator.ValidateTx(tx); err != nil {
			cs.Logger.Debug("Skipping transaction", "hash", h, "err", err)
			continue
		}
		if size+tx.Size() > cs.config.MaxBlockBytes {
			break
		}
		seen[h] = struct{}{}
		size += tx.Size()
		txs = append(txs, tx)
	}
	return txs
}

func (cs *ConsensusState) onPrepareRequest(p *types.ConsensusPayload, msg *types.PrepareRequest) {
	rc := cs.rc
	if rc.RequestSentOrReceived() || rc.NotAcceptingPayloadsDueToViewChanging() {
		return
	}
	if int(p.ValidatorIndex) != rc.PrimaryIndex() {
		cs.Logger.Debug("PrepareRequest from a backup", "from", p.ValidatorIndex, "primary", rc.PrimaryIndex())
		return
	}
	maxTimestamp := cs.nowMillis() + uint64(8*cs.config.TimePerBlock/time.Millisecond)
	if msg.Timestamp <= rc.PrevTimestamp || msg.Timestamp > maxTimestamp {
		cs.Logger.Info("Rejected PrepareRequest: bad timestamp", "timestamp", msg.Timestamp, "prev", rc.PrevTimestamp)
		return
	}
	if msg.NextConsensus != rc.NextConsensus {
		cs.Logger.Info("Rejected PrepareRequest: unexpected next consensus", "got", msg.NextConsensus)
		return
	}
	for _, h := range msg.TransactionHashes {
		if cs.ledger.ContainsTransaction(h) {
			cs.Logger.Info("Rejected PrepareRequest: transaction already on chain", "hash", h)
			return
		}
	}

	cs.Logger.Info("Received PrepareRequest", "height", rc.Height, "view", msg.ViewNumber,
		"index", p.ValidatorIndex, "txs", len(msg.TransactionHashes))

	// around 2*TimePerBlock/M more for the backups to respond
	cs.extendTimerByFactor(2)

	rc.SetProposal(msg.Timestamp, msg.Nonce, msg.TransactionHashes)
	rc.PreparationPayloads.Set(int(p.ValidatorIndex), p)
	rc.Flags.Set(cstypes.FlagRequestReceived)
	rc.EnsureHeader()

	if len(msg.TransactionHashes) == 0 {
		cs.checkPrepareResponse()
		return
	}
	if len(msg.FirstTransaction) > 0 {
		if !cs.addTransaction(msg.FirstTransaction, true) {
			return
		}
	}
	for _, h := range msg.TransactionHashes {
		if _, ok := rc.Transactions[h]; ok {
			continue
		}
		if tx, ok := cs.txResolver.GetTx(h); ok {
			// pool transactions are already checked
			if !cs.addTransaction(tx, false) {
				return
			}
		}
	}
	if missing := rc.MissingTransactions(); len(missing) > 0 {
		cs.Logger.Debug("Requesting missing transactions", "count", len(missing))
		cs.txFetcher.RequestTxs(missing)
	}
}

// onTransaction takes a transaction body that arrived after the request.
func (cs *ConsensusState) onTransaction(tx types.Tx) {
	rc := cs.rc
	if cs.roundErr != nil || rc.IsPrimary() || rc.BlockSent() {
		return
	}
	if !rc.RequestSentOrReceived() || rc.Flags.Has(cstypes.FlagResponseSent) || rc.NotAcceptingPayloadsDueToViewChanging() {
		return
	}
	h := tx.Hash()
	if _, ok := rc.Transactions[h]; ok || !rc.IsProposed(h) {
		return
	}
	cs.addTransaction(tx, true)
}

// addTransaction stores a proposed transaction. It returns false when the
// proposal was refused.
func (cs *ConsensusState) addTransaction(tx types.Tx, verify bool) bool {
	if verify {
		if err := cs.txValidator.ValidateTx(tx); err != nil {
			reason := types.CVTxInvalid
			if errors.Is(err, types.ErrTxRejectedByPolicy) {
				reason = types.CVTxRejectedByPolicy
			}
			cs.Logger.Info("Rejected proposed transaction", "hash", tx.Hash(), "err", err)
			cs.requestChangeView(reason)
			return false
		}
	}
	if !cs.rc.AddTransaction(tx) {
		return true
	}
	return cs.checkPrepareResponse()
}

// checkPrepareResponse sends this backup's response once every proposed
// transaction is held.
func (cs *ConsensusState) checkPrepareResponse() bool {
	rc := cs.rc
	if !rc.TransactionsComplete() {
		return true
	}
	if rc.IsObserver() {
		cs.checkCommits()
		return true
	}
	// a primary that recovered its own request acts as a backup but never responds
	if rc.IsPrimary() || rc.Flags.Has(cstypes.FlagResponseSent) {
		return true
	}
	if rc.OrderedTransactions().Size() > cs.config.MaxBlockBytes {
		cs.Logger.Info("Rejected proposal: block too large", "height", rc.Height, "view", rc.ViewNumber)
		cs.requestChangeView(types.CVBlockRejectedByPolicy)
		return false
	}

	cs.extendTimerByFactor(2)
	cs.sendPrepareResponse()
	cs.checkPreparations()
	return true
}

func (cs *ConsensusState) sendPrepareResponse() {
	rc := cs.rc
	req := rc.PreparationPayloads.Get(rc.PrimaryIndex())
	if req == nil {
		return
	}
	payload, err := cs.makePayload(&types.PrepareResponse{
		ViewNumber:      rc.ViewNumber,
		PreparationHash: req.Hash(),
	})
	if err != nil {
		cs.Logger.Error("Failed to sign PrepareResponse", "err", err)
		return
	}
	rc.PreparationPayloads.Set(rc.MyIndex, payload)
	rc.Flags.Set(cstypes.FlagResponseSent)
	cs.Logger.Info("Sending PrepareResponse", "height", rc.Height, "view", rc.ViewNumber)
	cs.broadcast(payload)
}

func (cs *ConsensusState) onPrepareResponse(p *types.ConsensusPayload, msg *types.PrepareResponse) {
	rc := cs.rc
	idx := int(p.ValidatorIndex)
	if rc.PreparationPayloads.Has(idx) || rc.NotAcceptingPayloadsDueToViewChanging() {
		return
	}
	if idx == rc.PrimaryIndex() {
		return
	}
	req := rc.PreparationPayloads.Get(rc.PrimaryIndex())
	if req == nil || !rc.RequestSentOrReceived() || msg.PreparationHash != req.Hash() {
		cs.Logger.Debug("Rejected PrepareResponse: unknown preparation", "from", idx, "hash", msg.PreparationHash)
		return
	}

	cs.extendTimerByFactor(2)
	rc.PreparationPayloads.Set(idx, p)
	cs.Logger.Info("Received PrepareResponse", "height", rc.Height, "view", rc.ViewNumber, "index", idx,
		"prepared", rc.PreparationPayloads.Count())

	if rc.IsObserver() || rc.CommitSent() {
		return
	}
	cs.checkPreparations()
}

// checkPreparations commits once M validators prepared the complete proposal.
func (cs *ConsensusState) checkPreparations() {
	rc := cs.rc
	if !rc.QuorumReachedForPrepare() {
		return
	}
	if !rc.IsObserver() {
		cs.sendCommit()
	}
	cs.checkCommits()
}

func (cs *ConsensusState) sendCommit() {
	rc := cs.rc
	if rc.CommitSent() {
		return
	}
	if rc.IsPrimary() && !cs.config.PrimaryCommits && rc.N() > 1 {
		return
	}

	payload := rc.CommitPayloads.Get(rc.MyIndex)
	if payload == nil {
		header := rc.EnsureHeader()
		sig, err := cs.privVal.SignBytes(header.SignBytes())
		if err != nil {
			cs.Logger.Error("Failed to sign header", "err", err)
			return
		}
		payload, err = cs.makePayload(&types.Commit{ViewNumber: rc.ViewNumber, Signature: sig})
		if err != nil {
			cs.Logger.Error("Failed to sign Commit", "err", err)
			return
		}
		rc.CommitPayloads.Set(rc.MyIndex, payload)
	}
	rc.Flags.Set(cstypes.FlagCommitSent)

	cs.Logger.Info("Sending Commit", "height", rc.Height, "view", rc.ViewNumber, "header", rc.EnsureHeader().Hash())
	cs.saveRound()
	cs.broadcast(payload)
	// resend through recovery in case the commit got lost
	cs.changeTimer(cs.config.TimePerBlock)
}

func (cs *ConsensusState) onCommit(p *types.ConsensusPayload, msg *types.Commit) {
	rc := cs.rc
	idx := int(p.ValidatorIndex)
	if existing := rc.CommitPayloads.Get(idx); existing != nil {
		if existing.Hash() != p.Hash() {
			cs.Logger.Info("Rejected Commit: duplicated", "from", idx)
		}
		return
	}
	header := rc.EnsureHeader()
	if header == nil {
		cs.Logger.Debug("Rejected Commit: header unknown", "from", idx)
		return
	}

	if !rc.Validator(idx).VerifySignature(header.SignBytes(), msg.Signature) {
		cs.Logger.Info("Rejected Commit: invalid signature", "from", idx)
		return
	}
	rc.CommitPayloads.Set(idx, p)
	// 只有填入空槽的commit才延长计时器
	cs.extendTimerByFactor(4)
	cs.Logger.Info("Received Commit", "height", rc.Height, "view", rc.ViewNumber, "index", idx,
		"committed", rc.CountCommitted())
	cs.checkCommits()
}

// checkCommits assembles the block once M commits over the header are held.
func (cs *ConsensusState) checkCommits() {
	rc := cs.rc
	if !rc.QuorumReachedForCommit() || !rc.TransactionsComplete() || rc.BlockSent() {
		return
	}
	block, err := rc.CreateBlock()
	if err != nil {
		cs.Logger.Error("Failed to assemble block", "height", rc.Height, "err", err)
		return
	}
	rc.Flags.Set(cstypes.FlagBlockSent)

	cs.Logger.Info("Block finalized", "height", block.Index, "view", rc.ViewNumber,
		"hash", block.Hash(), "txs", len(block.Txs))
	cs.metric.MarkBlock(len(block.Txs), cs.now())
	cs.eventSwitch.FireEvent(EventBlockFinalized, block)

	if err := cs.ledger.PersistAndRelay(block); err != nil {
		cs.Logger.Error("Ledger refused block", "height", block.Index, "err", err)
	}
}
