package feedback

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/miradorstack/kube-memory/internal/memory"
	"github.com/miradorstack/kube-memory/internal/metrics"
	"github.com/miradorstack/kube-memory/internal/models"
	"github.com/miradorstack/kube-memory/internal/utils"
)

const (
	kindFix        = "fix"
	kindCorrection = "correction"
)

// IncidentRepository is the system of record for incidents and fixes.
type IncidentRepository interface {
	GetIncident(ctx context.Context, id string) (models.Incident, error)
	UpdateIncident(ctx context.Context, id string, mutate func(*models.Incident)) (models.Incident, error)
	SaveFix(ctx context.Context, fix models.Fix) (models.Fix, error)
	SaveCorrection(ctx context.Context, fix models.Fix) (models.Fix, models.Fix, error)
}

// MemoryWriter receives the vector and graph side of a fix.
type MemoryWriter interface {
	UpsertVector(ctx context.Context, doc models.VectorDocument) (string, error)
	LinkFix(ctx context.Context, incidentID string, fix models.Fix, corrected bool) error
}

// Options tunes the tracker.
type Options struct {
	// CorrectionWeight is the retrieval weight of correction documents (default 2.0).
	CorrectionWeight float64
	// MaxFixesPerHour bounds submissions per incident (default 10).
	MaxFixesPerHour int
}

// Tracker records operator fixes and feeds corrections back into memory.
type Tracker struct {
	logger    *slog.Logger
	incidents IncidentRepository
	memory    MemoryWriter
	opts      Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewTracker constructs a Tracker.
func NewTracker(logger *slog.Logger, incidents IncidentRepository, mem MemoryWriter, opts Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CorrectionWeight <= memory.DefaultWeight {
		opts.CorrectionWeight = 2.0
	}
	if opts.MaxFixesPerHour <= 0 {
		opts.MaxFixesPerHour = 10
	}
	return &Tracker{
		logger:    logger,
		incidents: incidents,
		memory:    mem,
		opts:      opts,
		limiters:  make(map[string]*rate.Limiter),
		now:       time.Now,
	}
}

// SubmitFix records fix against incidentID. A fix with CorrectionOf set must target a fix of the same
// incident that has no corrector yet. Resubmitting the same fix id is safe.
func (t *Tracker) SubmitFix(ctx context.Context, incidentID string, fix models.Fix) (saved models.Fix, err error) {
	const op = "feedback.SubmitFix"
	kind := kindFix
	if fix.IsCorrection() {
		kind = kindCorrection
	}
	defer func() { metrics.ObserveFix(kind, err) }()

	if strings.TrimSpace(incidentID) == "" {
		return models.Fix{}, utils.NewKindError(op, utils.ErrMalformedInput, "incident id is required", nil)
	}
	if strings.TrimSpace(fix.Description) == "" {
		return models.Fix{}, utils.NewKindError(op, utils.ErrMalformedInput, "fix description is required", nil)
	}
	if fix.IncidentID != "" && fix.IncidentID != incidentID {
		return models.Fix{}, utils.NewKindError(op, utils.ErrMalformedInput, "fix belongs to incident "+fix.IncidentID, nil)
	}

	incident, err := t.incidents.GetIncident(ctx, incidentID)
	if err != nil {
		return models.Fix{}, err
	}
	if !t.allow(incidentID) {
		return models.Fix{}, utils.NewKindError(op, utils.ErrRateLimited, "too many fixes submitted for incident "+incidentID, nil)
	}

	fix.IncidentID = incidentID
	// Only SaveCorrection marks a fix superseded.
	fix.SupersededBy = ""
	if fix.ID == "" {
		fix.ID = uuid.NewString()
	}

	var doc models.VectorDocument
	if fix.IsCorrection() {
		var target models.Fix
		saved, target, err = t.incidents.SaveCorrection(ctx, fix)
		if err != nil {
			return models.Fix{}, err
		}
		doc = memory.CorrectionDocument(incident, saved, target, t.opts.CorrectionWeight)
	} else {
		saved, err = t.incidents.SaveFix(ctx, fix)
		if err != nil {
			return models.Fix{}, err
		}
		doc = memory.FixDocument(incident, saved)
	}

	logger := t.logger.With(slog.String("incident_id", incidentID), slog.String("fix_id", saved.ID))

	// Vector and graph writes are independent; one failing does not skip the other.
	var errs []error
	if _, werr := t.memory.UpsertVector(ctx, doc); werr != nil {
		logger.Warn("fix vector upsert failed", slog.Any("error", werr))
		errs = append(errs, werr)
	}
	if werr := t.memory.LinkFix(ctx, incidentID, saved, saved.IsCorrection()); werr != nil {
		logger.Warn("fix graph link failed", slog.Any("error", werr))
		errs = append(errs, werr)
	}

	if saved.Worked && incident.Status != models.StatusResolved {
		if _, uerr := t.incidents.UpdateIncident(ctx, incidentID, func(inc *models.Incident) {
			inc.Status = models.StatusResolved
		}); uerr != nil {
			errs = append(errs, uerr)
		}
	}

	if len(errs) > 0 {
		return saved, utils.NewKindError(op, utils.ErrStoreWrite, "fix recorded but memory update incomplete", errors.Join(errs...))
	}
	logger.Info("fix recorded", slog.String("kind", kind), slog.Bool("worked", saved.Worked))
	return saved, nil
}

func (t *Tracker) allow(incidentID string) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	lim, ok := t.limiters[incidentID]
	if !ok {
		t.prune(now)
		lim = rate.NewLimiter(rate.Every(time.Hour/time.Duration(t.opts.MaxFixesPerHour)), t.opts.MaxFixesPerHour)
		t.limiters[incidentID] = lim
	}
	return lim.AllowN(now, 1)
}

// prune drops limiters that have refilled completely.
func (t *Tracker) prune(now time.Time) {
	burst := float64(t.opts.MaxFixesPerHour)
	for id, lim := range t.limiters {
		if lim.TokensAt(now) >= burst {
			delete(t.limiters, id)
		}
	}
}
