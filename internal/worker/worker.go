// Package worker consumes the four message-bus queues and executes
// exactly one chunk at a time per consumer: deserialize, load a
// projection from the Store, call the CWS, persist, drop large
// references, ack, and sleep — the per-chunk cycle from spec.md §4.3.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/s3-encryption-gateway/internal/audit"
	"github.com/kenneth/s3-encryption-gateway/internal/bus"
	"github.com/kenneth/s3-encryption-gateway/internal/cws"
	"github.com/kenneth/s3-encryption-gateway/internal/model"
	"github.com/kenneth/s3-encryption-gateway/internal/scheduler"
	"github.com/kenneth/s3-encryption-gateway/internal/secretcache"
	"github.com/kenneth/s3-encryption-gateway/internal/store"
)

// PostChunkSleep is the mandatory GC breathing room between chunks on
// a single consumer (spec.md §4.3 step 7).
const PostChunkSleep = 100 * time.Millisecond

// Handler executes one chunk message for one task type. Implementations
// never let errors escape as panics; a failure is returned and mapped
// to the error taxonomy by the caller via model.ClassOf.
type Handler interface {
	Handle(ctx context.Context, msg bus.Message) error
}

// TallyChunkPayload is the per-chunk TALLY request body.
type TallyChunkPayload struct {
	ElectionID     string   `json:"electionId"`
	JointPublicKey string   `json:"jointPublicKey"`
	ItemIDs        []string `json:"itemIds"`
	ChunkNumber    int      `json:"chunkNumber"`
}

// PartialDecryptChunkPayload is the per-chunk PARTIAL_DECRYPT request body.
type PartialDecryptChunkPayload struct {
	ElectionID       string `json:"electionId"`
	GuardianID       string `json:"guardianId"`
	ElectionCenterID string `json:"electionCenterId"`
}

// CompensatedDecryptChunkPayload is the per-chunk COMPENSATED_DECRYPT request body.
type CompensatedDecryptChunkPayload struct {
	ElectionID           string `json:"electionId"`
	CompensatingGuardian string `json:"compensatingGuardianId"`
	MissingGuardian      string `json:"missingGuardianId"`
	ElectionCenterID     string `json:"electionCenterId"`
}

// CombineChunkPayload is the per-chunk COMBINE request body.
type CombineChunkPayload struct {
	ElectionID       string `json:"electionId"`
	ElectionCenterID string `json:"electionCenterId"`
}

// TallyHandler builds one encrypted-tally chunk.
type TallyHandler struct {
	Store store.Store
	CWS   cws.Client
	Audit audit.Sink
}

func (h *TallyHandler) Handle(ctx context.Context, msg bus.Message) error {
	var p TallyChunkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return model.Classify(model.ErrInvalidInput, fmt.Errorf("tally: decode payload: %w", err))
	}

	items, err := h.Store.LoadTallyItems(ctx, p.ElectionID, p.ItemIDs)
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("tally: load items: %w", err))
	}
	cipherTexts := make([]string, len(items))
	for i, it := range items {
		cipherTexts[i] = it.CipherText
	}

	resp, err := h.CWS.CreateEncryptedTally(ctx, cws.TallyRequest{
		ElectionID:     p.ElectionID,
		JointPublicKey: p.JointPublicKey,
		CipherTexts:    cipherTexts,
	})
	if err != nil {
		return err // already classified by the cws package
	}

	if err := h.Store.SaveElectionCenter(ctx, store.ElectionCenterRow{
		ElectionCenterID: msg.ChunkID,
		ElectionID:       p.ElectionID,
		ChunkNumber:      p.ChunkNumber,
		EncryptedTally:   resp.EncryptedTally,
	}, resp.SubmittedBallots); err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("tally: save election center: %w", err))
	}

	logAudit(ctx, h.Store, h.Audit, model.PhaseTally, p.ElectionID, msg, nil)
	return nil
}

// PartialDecryptHandler builds one guardian's partial-decryption chunk.
type PartialDecryptHandler struct {
	Store  store.Store
	CWS    cws.Client
	Secret secretcache.Cache
	Audit  audit.Sink
}

func (h *PartialDecryptHandler) Handle(ctx context.Context, msg bus.Message) error {
	var p PartialDecryptChunkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return model.Classify(model.ErrInvalidInput, fmt.Errorf("partial_decrypt: decode payload: %w", err))
	}

	privateKey, ok, err := h.Secret.Get(ctx, model.SecretPrivateKeyKey(p.ElectionID, p.GuardianID))
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("partial_decrypt: read private key: %w", err))
	}
	if !ok {
		return model.Classify(model.ErrCredentialsExpired, fmt.Errorf("partial_decrypt: private key missing/expired for guardian %s", p.GuardianID))
	}
	polynomial, ok, err := h.Secret.Get(ctx, model.SecretPolynomialKey(p.ElectionID, p.GuardianID))
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("partial_decrypt: read polynomial: %w", err))
	}
	if !ok {
		return model.Classify(model.ErrCredentialsExpired, fmt.Errorf("partial_decrypt: polynomial missing/expired for guardian %s", p.GuardianID))
	}

	center, err := h.Store.GetElectionCenter(ctx, p.ElectionCenterID)
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("partial_decrypt: load election center: %w", err))
	}

	resp, err := h.CWS.CreatePartialDecryption(ctx, cws.PartialDecryptRequest{
		ElectionID:     p.ElectionID,
		GuardianID:     p.GuardianID,
		PrivateKey:     privateKey,
		Polynomial:     polynomial,
		EncryptedTally: center.EncryptedTally,
	})
	if err != nil {
		return err
	}

	if err := h.Store.SaveDecryption(ctx, store.DecryptionRow{
		ElectionCenterID:      p.ElectionCenterID,
		GuardianID:            p.GuardianID,
		PartialDecryptedTally: resp.TallyShare,
		TallyShare:            resp.TallyShare,
	}); err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("partial_decrypt: save decryption: %w", err))
	}

	logAudit(ctx, h.Store, h.Audit, model.PhasePartial, p.ElectionID, msg, nil)
	return nil
}

// CompensatedDecryptHandler substitutes a present guardian's share for
// an absent one.
type CompensatedDecryptHandler struct {
	Store  store.Store
	CWS    cws.Client
	Secret secretcache.Cache
	Audit  audit.Sink
}

func (h *CompensatedDecryptHandler) Handle(ctx context.Context, msg bus.Message) error {
	var p CompensatedDecryptChunkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return model.Classify(model.ErrInvalidInput, fmt.Errorf("compensated_decrypt: decode payload: %w", err))
	}

	privateKey, ok, err := h.Secret.Get(ctx, model.SecretPrivateKeyKey(p.ElectionID, p.CompensatingGuardian))
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("compensated_decrypt: read private key: %w", err))
	}
	if !ok {
		return model.Classify(model.ErrCredentialsExpired, fmt.Errorf("compensated_decrypt: private key missing/expired for guardian %s", p.CompensatingGuardian))
	}
	polynomial, ok, err := h.Secret.Get(ctx, model.SecretPolynomialKey(p.ElectionID, p.CompensatingGuardian))
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("compensated_decrypt: read polynomial: %w", err))
	}
	if !ok {
		return model.Classify(model.ErrCredentialsExpired, fmt.Errorf("compensated_decrypt: polynomial missing/expired for guardian %s", p.CompensatingGuardian))
	}

	center, err := h.Store.GetElectionCenter(ctx, p.ElectionCenterID)
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("compensated_decrypt: load election center: %w", err))
	}

	resp, err := h.CWS.CreateCompensatedDecryption(ctx, cws.CompensatedDecryptRequest{
		ElectionID:           p.ElectionID,
		CompensatingGuardian: p.CompensatingGuardian,
		MissingGuardian:      p.MissingGuardian,
		PrivateKey:           privateKey,
		Polynomial:           polynomial,
		EncryptedTally:       center.EncryptedTally,
	})
	if err != nil {
		return err
	}

	if err := h.Store.SaveCompensatedDecryption(ctx, store.CompensatedDecryptionRow{
		ElectionCenterID:        p.ElectionCenterID,
		CompensatingGuardianSeq: p.CompensatingGuardian,
		MissingGuardianSeq:      p.MissingGuardian,
		CompensatedTallyShare:   resp.CompensatedTallyShare,
		CompensatedBallotShare:  resp.CompensatedBallotShare,
	}); err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("compensated_decrypt: save: %w", err))
	}

	logAudit(ctx, h.Store, h.Audit, model.PhaseCompensated, p.ElectionID, msg, nil)
	return nil
}

// CombineHandler merges partial and compensated shares into the
// plaintext tally for one chunk.
type CombineHandler struct {
	Store store.Store
	CWS   cws.Client
	Audit audit.Sink
}

func (h *CombineHandler) Handle(ctx context.Context, msg bus.Message) error {
	var p CombineChunkPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return model.Classify(model.ErrInvalidInput, fmt.Errorf("combine: decode payload: %w", err))
	}

	decs, err := h.Store.ListDecryptions(ctx, p.ElectionCenterID)
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("combine: list decryptions: %w", err))
	}
	comps, err := h.Store.ListCompensatedDecryptions(ctx, p.ElectionCenterID)
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("combine: list compensated decryptions: %w", err))
	}

	tallyShares := make([]string, 0, len(decs)+len(comps))
	for _, d := range decs {
		tallyShares = append(tallyShares, d.TallyShare)
	}
	for _, c := range comps {
		tallyShares = append(tallyShares, c.CompensatedTallyShare)
	}

	resp, err := h.CWS.CombineDecryptionShares(ctx, cws.CombineRequest{
		ElectionID:  p.ElectionID,
		TallyShares: tallyShares,
	})
	if err != nil {
		return err
	}

	center, err := h.Store.GetElectionCenter(ctx, p.ElectionCenterID)
	if err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("combine: load election center: %w", err))
	}
	if err := h.Store.SaveElectionCenter(ctx, store.ElectionCenterRow{
		ElectionCenterID: center.ElectionCenterID,
		ElectionID:       center.ElectionID,
		ChunkNumber:      center.ChunkNumber,
		EncryptedTally:   center.EncryptedTally,
		ElectionResult:   resp.DecryptedTally,
	}, resp.DecryptedBallots); err != nil {
		return model.Classify(model.ErrTransientStore, fmt.Errorf("combine: save result: %w", err))
	}

	logAudit(ctx, h.Store, h.Audit, model.PhaseCombine, p.ElectionID, msg, nil)
	return nil
}

// logAudit records one chunk-processing attempt both to the in-memory
// audit trail (sink, ring buffer + pluggable export) and to the Store's
// persisted worker_log schema (spec.md §3/§6) — the former is the
// operational export path, the latter the system of record queried
// alongside a job's own chunk rows.
func logAudit(ctx context.Context, st store.Store, sink audit.Sink, phase model.WorkerLogPhase, electionID string, msg bus.Message, handlerErr error) {
	entry := model.WorkerLog{
		ElectionID: electionID,
		ChunkID:    msg.ChunkID,
		JobID:      msg.JobID,
		Phase:      phase,
		EndTime:    time.Now(),
		Status:     model.ChunkCompleted,
	}
	if handlerErr != nil {
		entry.Status = model.ChunkFailed
		entry.Error = handlerErr.Error()
	}
	if sink != nil {
		sink.Record(ctx, entry)
	}
	if st != nil {
		_ = st.AppendWorkerLog(ctx, entry)
	}
}

// Pool runs N goroutines per queue, each a strict receive-handle-ack
// consumer with prefetch=1.
type Pool struct {
	Bus         bus.Bus
	Scheduler   *scheduler.Scheduler
	Handlers    map[model.OperationType]Handler
	Queues      map[model.OperationType]string
	Concurrency int
	Log         *logrus.Logger

	stop chan struct{}
}

// Start launches Concurrency goroutines per registered queue.
func (p *Pool) Start(ctx context.Context) {
	p.stop = make(chan struct{})
	n := p.Concurrency
	if n < 1 {
		n = 1
	}
	for taskType, queue := range p.Queues {
		handler := p.Handlers[taskType]
		if handler == nil {
			continue
		}
		for i := 0; i < n; i++ {
			go p.consumeLoop(ctx, taskType, queue, handler)
		}
	}
}

// Stop signals every consumer goroutine to exit after its current
// receive call returns.
func (p *Pool) Stop() {
	if p.stop != nil {
		close(p.stop)
	}
}

func (p *Pool) consumeLoop(ctx context.Context, taskType model.OperationType, queue string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		msg, err := p.Bus.Receive(ctx, queue, time.Second)
		if err != nil {
			if p.Log != nil {
				p.Log.WithError(err).WithField("queue", queue).Warn("worker: receive failed")
			}
			continue
		}
		if msg == nil {
			continue
		}

		p.Scheduler.ReportStateChange(ctx, msg.ChunkID, model.ChunkProcessing, model.ErrInternal, "")

		handleErr := handler.Handle(ctx, *msg)
		if handleErr != nil {
			class := model.ClassOf(handleErr)
			p.Scheduler.ReportStateChange(ctx, msg.ChunkID, model.ChunkFailed, class, handleErr.Error())
			if p.Log != nil {
				p.Log.WithError(handleErr).WithFields(logrus.Fields{
					"chunkId": msg.ChunkID, "queue": queue, "class": class,
				}).Warn("worker: chunk handler failed")
			}
		} else {
			p.Scheduler.ReportStateChange(ctx, msg.ChunkID, model.ChunkCompleted, model.ErrInternal, "")
		}

		// Retry is driven by the scheduler re-publishing a PENDING chunk,
		// not by bus redelivery; the original delivery is always settled
		// here so the in-flight set doesn't grow unbounded.
		if err := p.Bus.Ack(ctx, queue, msg.DeliveryID); err != nil && p.Log != nil {
			p.Log.WithError(err).WithField("chunkId", msg.ChunkID).Warn("worker: ack failed")
		}

		time.Sleep(PostChunkSleep)
	}
}
