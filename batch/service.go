package batch

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/voxpipe/voxpipe"
	"github.com/voxpipe/voxpipe/id"
)

// Item is one work item in a batch creation request. Exactly one of
// AudioURL, AudioB64, or Text must be set; which ones are acceptable
// depends on the job type.
type Item struct {
	// ID is an optional client-supplied external identifier.
	ID       string
	AudioURL string
	AudioB64 string
	Text     string
	// SrcLang and TgtLang override the batch defaults for this item.
	SrcLang string
	TgtLang string
}

// CreateRequest describes a batch to create.
type CreateRequest struct {
	Owner          string
	JobType        JobType
	Items          []Item
	DefaultSrcLang string
	DefaultTgtLang string
	// Priority is the user-facing urgency, 1–10, higher is more urgent.
	// Zero selects the default of 5.
	Priority    int
	CallbackURL string
	Metadata    map[string]string
	// MaxAttempts is the per-task attempt budget. Zero selects the
	// service default.
	MaxAttempts int
}

// Service implements the boundary operations consumed by the API layer:
// batch creation with validation, status snapshots, and owner-scoped
// listing. Task dispatch is the envelope.Dispatcher's job.
type Service struct {
	store       Store
	logger      *slog.Logger
	maxAttempts int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the Service's logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithDefaultMaxAttempts sets the attempt budget applied when a request
// does not specify one.
func WithDefaultMaxAttempts(n int) ServiceOption {
	return func(s *Service) { s.maxAttempts = n }
}

// NewService creates a Service over the given store.
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		logger:      slog.Default(),
		maxAttempts: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the request and atomically persists the batch with
// one pending task per item. Validation failures reject the whole
// request; no partial batch is ever left behind.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Batch, []*Task, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	priority := req.Priority
	if priority == 0 {
		priority = 5
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.maxAttempts
	}

	now := time.Now().UTC()
	b := &Batch{
		Entity:         voxpipe.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewBatchID(),
		Owner:          req.Owner,
		JobType:        req.JobType,
		Status:         StatusPending,
		DefaultSrcLang: req.DefaultSrcLang,
		DefaultTgtLang: req.DefaultTgtLang,
		Priority:       priority,
		TotalTasks:     len(req.Items),
		CallbackURL:    req.CallbackURL,
		Metadata:       req.Metadata,
	}

	tasks := make([]*Task, 0, len(req.Items))
	for _, item := range req.Items {
		tasks = append(tasks, &Task{
			Entity:      voxpipe.Entity{CreatedAt: now, UpdatedAt: now},
			ID:          id.NewTaskID(),
			BatchID:     b.ID,
			ExternalID:  item.ID,
			Input:       itemInput(item),
			SrcLang:     firstNonEmpty(item.SrcLang, req.DefaultSrcLang),
			TgtLang:     firstNonEmpty(item.TgtLang, req.DefaultTgtLang),
			Status:      TaskPending,
			MaxAttempts: maxAttempts,
		})
	}

	if err := s.store.CreateBatch(ctx, b, tasks); err != nil {
		return nil, nil, err
	}

	s.logger.Info("batch created",
		slog.String("batch_id", b.ID.String()),
		slog.String("job_type", string(b.JobType)),
		slog.Int("tasks", len(tasks)),
		slog.Int("priority", b.Priority),
	)

	return b, tasks, nil
}

// validate applies the item/job-type compatibility rules before
// anything is committed.
func validate(req CreateRequest) error {
	verr := &voxpipe.ValidationError{}

	if !req.JobType.Valid() {
		verr.Addf("unknown job type %q", req.JobType)
	}
	if len(req.Items) == 0 {
		verr.Addf("batch must contain at least one item")
	}
	if req.Priority < 0 || req.Priority > 10 {
		verr.Addf("priority %d out of range 1-10", req.Priority)
	}

	for i, item := range req.Items {
		label := item.ID
		if label == "" {
			label = itemLabel(i)
		}

		hasAudio := item.AudioURL != "" || item.AudioB64 != ""
		hasText := item.Text != ""

		switch {
		case !hasAudio && !hasText:
			verr.Addf("item %s has no input", label)
		case req.JobType.NeedsAudio() && !hasAudio:
			verr.Addf("item %s: job type %q requires audio input", label, req.JobType)
		case req.JobType == JobTypeNMT && !hasText:
			verr.Addf("item %s: job type %q requires text input", label, req.JobType)
		}

		if req.JobType.NeedsTranslation() {
			if item.TgtLang == "" && req.DefaultTgtLang == "" {
				verr.Addf("item %s: no resolvable target language", label)
			}
		}
	}

	return verr.Err()
}

func itemInput(item Item) Input {
	switch {
	case item.AudioURL != "":
		return Input{Kind: InputAudioURL, Ref: item.AudioURL}
	case item.AudioB64 != "":
		return Input{Kind: InputAudioB64, Ref: item.AudioB64}
	default:
		return Input{Kind: InputText, Ref: item.Text}
	}
}

func itemLabel(i int) string {
	return "#" + strconv.Itoa(i)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// Get returns the batch by id.
func (s *Service) Get(ctx context.Context, batchID id.BatchID) (*Batch, error) {
	return s.store.GetBatch(ctx, batchID)
}

// Status returns a point-in-time snapshot of the batch and its tasks.
func (s *Service) Status(ctx context.Context, batchID id.BatchID) (*Snapshot, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(b, tasks), nil
}

// List returns an owner-scoped page of batch snapshots without task
// detail. Page numbering is 1-based.
func (s *Service) List(ctx context.Context, owner string, status Status, page, pageSize int) (*Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	batches, total, err := s.store.ListBatches(ctx, ListOpts{
		Owner:  owner,
		Status: status,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	})
	if err != nil {
		return nil, err
	}

	snaps := make([]*Snapshot, 0, len(batches))
	for _, b := range batches {
		snaps = append(snaps, NewSnapshot(b, nil))
	}

	return &Page{
		Batches:  snaps,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// Delete removes a batch and all its tasks.
func (s *Service) Delete(ctx context.Context, batchID id.BatchID) error {
	return s.store.DeleteBatch(ctx, batchID)
}
