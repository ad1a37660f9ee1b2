// Package session tracks capture sessions. Every session lives in memory and
// as a JSON record next to the subject's tiles; a database mirror is optional.
package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/facecollect/internal/pipeline"
	"github.com/andresmejia3/facecollect/internal/types"
	"github.com/andresmejia3/facecollect/internal/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidSubject is returned for subject ids that are not filesystem-safe.
	ErrInvalidSubject = errors.New("invalid subject id")
)

// Mirror receives a copy of every session after each mutation.
type Mirror interface {
	SaveSession(ctx context.Context, sess types.Session) error
}

// StartRequest carries the subject details for a new session.
type StartRequest struct {
	SubjectID  string
	Name       string
	CohortYear string
	Department string
}

// Details are the optional subject fields an upload may correct.
// Empty values leave the stored value unchanged.
type Details struct {
	Name       string
	CohortYear string
	Department string
}

// ResetResult describes what Reset changed.
type ResetResult struct {
	Sessions     []types.Session `json:"sessions"`
	TilesRemoved int             `json:"tilesRemoved"`
}

// Registry is the process-wide session table.
type Registry struct {
	dataDir string
	mirror  Mirror
	logger  *zap.Logger
	now     func() time.Time
	write   func(name string, data []byte, perm os.FileMode) error

	mu       sync.RWMutex
	sessions map[string]*types.Session
}

// New returns an empty registry rooted at dataDir. mirror may be nil.
func New(dataDir string, mirror Mirror, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dataDir:  dataDir,
		mirror:   mirror,
		logger:   logger.Named("session"),
		now:      time.Now,
		write:    os.WriteFile,
		sessions: make(map[string]*types.Session),
	}
}

// SubjectDir is where a subject's videos, tiles and records live.
func (r *Registry) SubjectDir(subjectID string) string {
	return filepath.Join(r.dataDir, subjectID)
}

func (r *Registry) recordPath(sess *types.Session) string {
	return filepath.Join(r.SubjectDir(sess.SubjectID), sess.SessionID+".json")
}

// Start creates a session and its subject directory.
func (r *Registry) Start(ctx context.Context, req StartRequest) (types.Session, error) {
	if err := utils.ValidateSubjectID(req.SubjectID); err != nil {
		return types.Session{}, errors.Wrap(ErrInvalidSubject, err.Error())
	}

	r.mu.Lock()
	sess := &types.Session{
		SessionID:  uuid.NewString(),
		SubjectID:  req.SubjectID,
		Name:       req.Name,
		CohortYear: req.CohortYear,
		Department: req.Department,
		CreatedAt:  r.now().UTC(),
	}

	dir := r.SubjectDir(sess.SubjectID)
	_, statErr := os.Stat(dir)
	createdDir := os.IsNotExist(statErr)
	if err := os.MkdirAll(dir, 0755); err != nil {
		r.mu.Unlock()
		return types.Session{}, errors.Wrap(err, "create subject directory")
	}

	if err := r.writeRecord(sess); err != nil {
		if createdDir {
			os.Remove(dir)
		}
		r.mu.Unlock()
		return types.Session{}, err
	}

	r.sessions[sess.SessionID] = sess
	snapshot := *sess
	r.mu.Unlock()

	r.mirrorSave(ctx, snapshot)
	r.logger.Info("session started", zap.String("session", snapshot.SessionID), zap.String("subject", snapshot.SubjectID))
	return snapshot, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(sessionID string) (types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return types.Session{}, errors.Wrapf(ErrNotFound, "%q", sessionID)
	}
	return *sess, nil
}

// List returns the sessions of subjectID (all subjects when empty), oldest first.
func (r *Registry) List(subjectID string) []types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if subjectID == "" || sess.SubjectID == subjectID {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// MarkUploaded records the canonical video for the session along with any
// subject details sent with the upload.
func (r *Registry) MarkUploaded(ctx context.Context, sessionID, videoPath string, details Details) (types.Session, error) {
	return r.update(ctx, sessionID, func(sess *types.Session) {
		now := r.now().UTC()
		if details.Name != "" {
			sess.Name = details.Name
		}
		if details.CohortYear != "" {
			sess.CohortYear = details.CohortYear
		}
		if details.Department != "" {
			sess.Department = details.Department
		}
		sess.VideoUploaded = true
		sess.VideoPath = videoPath
		sess.UploadedAt = &now
	})
}

// MarkExtracted records a finished extraction.
func (r *Registry) MarkExtracted(ctx context.Context, sessionID string, count int) error {
	_, err := r.update(ctx, sessionID, func(sess *types.Session) {
		sess.FacesExtracted = true
		sess.FacesCount = count
		sess.LastError = ""
	})
	return err
}

// MarkFailed records a failed extraction. Counts from earlier runs are cleared.
func (r *Registry) MarkFailed(ctx context.Context, sessionID string, reason string) error {
	_, err := r.update(ctx, sessionID, func(sess *types.Session) {
		sess.FacesExtracted = false
		sess.FacesCount = 0
		sess.LastError = reason
	})
	return err
}

func (r *Registry) update(ctx context.Context, sessionID string, mutate func(*types.Session)) (types.Session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return types.Session{}, errors.Wrapf(ErrNotFound, "%q", sessionID)
	}

	next := *sess
	mutate(&next)
	if err := r.writeRecord(&next); err != nil {
		prev := *sess
		r.mu.Unlock()
		return prev, err
	}
	*sess = next
	r.mu.Unlock()

	r.mirrorSave(ctx, next)
	return next, nil
}

// Reset deletes every tile of the subject and clears the extraction state of
// its sessions. Uploaded videos and records stay. A subject without a
// directory is left as is.
func (r *Registry) Reset(ctx context.Context, subjectID string) (ResetResult, error) {
	if err := utils.ValidateSubjectID(subjectID); err != nil {
		return ResetResult{}, errors.Wrap(ErrInvalidSubject, err.Error())
	}

	res, err := r.reset(subjectID)
	for _, sess := range res.Sessions {
		r.mirrorSave(ctx, sess)
	}
	if err != nil {
		return res, err
	}

	r.logger.Info("subject reset",
		zap.String("subject", subjectID),
		zap.Int("tiles_removed", res.TilesRemoved),
		zap.Int("sessions", len(res.Sessions)))
	return res, nil
}

// reset does the file and record work of Reset under the lock. Sessions
// already rewritten are returned even on error so they still get mirrored.
func (r *Registry) reset(subjectID string) (ResetResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res ResetResult
	dir := r.SubjectDir(subjectID)
	tiles, err := filepath.Glob(filepath.Join(dir, pipeline.TilePattern))
	if err != nil {
		return res, errors.Wrap(err, "list tiles")
	}
	for _, tile := range tiles {
		if err := os.Remove(tile); err != nil && !os.IsNotExist(err) {
			return res, errors.Wrapf(err, "remove %s", filepath.Base(tile))
		}
		res.TilesRemoved++
	}

	now := r.now().UTC()
	for _, sess := range r.sessions {
		if sess.SubjectID != subjectID {
			continue
		}
		next := *sess
		next.FacesExtracted = false
		next.FacesCount = 0
		next.LastError = ""
		next.LastResetAt = &now
		if err := r.writeRecord(&next); err != nil {
			return res, err
		}
		*sess = next
		res.Sessions = append(res.Sessions, next)
	}
	sort.Slice(res.Sessions, func(i, j int) bool { return res.Sessions[i].CreatedAt.Before(res.Sessions[j].CreatedAt) })
	return res, nil
}

// Load reads every session record under the data directory into memory and
// returns how many were loaded. Unreadable records are logged and skipped.
func (r *Registry) Load() (int, error) {
	records, err := filepath.Glob(filepath.Join(r.dataDir, "*", "*.json"))
	if err != nil {
		return 0, errors.Wrap(err, "list session records")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := 0
	for _, path := range records {
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping unreadable session record", zap.String("path", path), zap.Error(err))
			continue
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.SessionID == "" {
			r.logger.Warn("skipping malformed session record", zap.String("path", path), zap.Error(err))
			continue
		}
		if strings.TrimSuffix(filepath.Base(path), ".json") != sess.SessionID {
			r.logger.Warn("session record name does not match its id", zap.String("path", path))
			continue
		}
		r.sessions[sess.SessionID] = &sess
		loaded++
	}
	r.logger.Info("session records loaded", zap.Int("sessions", loaded), zap.String("data_dir", r.dataDir))
	return loaded, nil
}

// writeRecord replaces the session's JSON record atomically.
func (r *Registry) writeRecord(sess *types.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode session record")
	}
	path := r.recordPath(sess)
	tmp := path + ".tmp"
	if err := r.write(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write session record")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "write session record")
	}
	return nil
}

// mirrorSave must be called without mu held; the mirror may be a network round-trip.
func (r *Registry) mirrorSave(ctx context.Context, sess types.Session) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.SaveSession(ctx, sess); err != nil {
		r.logger.Warn("mirroring session to database failed", zap.String("session", sess.SessionID), zap.Error(err))
	}
}
