package job

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"clubledger/internal/config"
	"clubledger/internal/model"
	"clubledger/internal/repository"
)

// SessionSettler applies the state changes the session jobs decide on.
type SessionSettler interface {
	ExpireSession(ctx context.Context, session *model.PaymentSession) (bool, error)
	SettleNotified(ctx context.Context, session *model.PaymentSession) (bool, error)
}

// SessionExpiryJob expires checkout sessions that were never paid.
type SessionExpiryJob struct {
	sessionRepo *repository.SessionRepository
	settler     SessionSettler
	cfg         *config.Config
	log         logrus.FieldLogger
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewSessionExpiryJob(db *gorm.DB, cfg *config.Config, settler SessionSettler, log logrus.FieldLogger) *SessionExpiryJob {
	return &SessionExpiryJob{
		sessionRepo: repository.NewSessionRepository(db),
		settler:     settler,
		cfg:         cfg,
		log:         log.WithField("job", "session_expiry"),
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   100,
	}
}

func (j *SessionExpiryJob) Start(ctx context.Context) {
	j.log.Info("session expiry job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("context done, session expiry job exiting")
			return
		case <-j.stopCh:
			j.log.Info("session expiry job stopped")
			return
		case <-ticker.C:
			j.expireSessions(ctx)
		}
	}
}

func (j *SessionExpiryJob) Stop() {
	close(j.stopCh)
}

// expireSessions waits a grace period past the processor expiry so that a
// webhook racing the expiry is not undercut.
func (j *SessionExpiryJob) expireSessions(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.cfg.Business.SessionGrace())
	sessions, err := j.sessionRepo.GetExpired(ctx, cutoff, j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("query expired sessions")
		return
	}

	if len(sessions) == 0 {
		return
	}

	expiredCount := 0
	for _, session := range sessions {
		expired, err := j.settler.ExpireSession(ctx, session)
		if err != nil {
			j.log.WithError(err).WithField("session_id", session.ID).Error("expire session")
			continue
		}
		if expired {
			expiredCount++
			j.log.WithFields(logrus.Fields{
				"session_id": session.ID,
				"user_id":    session.UserID,
				"amount":     session.Amount.StringFixed(2),
			}).Info("checkout session expired")
		}
	}

	j.log.WithField("count", expiredCount).Info("expired checkout sessions")
}

// NotifiedSessionCompensateJob reconciles sessions whose webhook validated the
// entry but never recorded the final session state.
type NotifiedSessionCompensateJob struct {
	sessionRepo *repository.SessionRepository
	settler     SessionSettler
	log         logrus.FieldLogger
	stopCh      chan struct{}
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
}

func NewNotifiedSessionCompensateJob(db *gorm.DB, settler SessionSettler, log logrus.FieldLogger) *NotifiedSessionCompensateJob {
	return &NotifiedSessionCompensateJob{
		sessionRepo: repository.NewSessionRepository(db),
		settler:     settler,
		log:         log.WithField("job", "notified_session_compensate"),
		stopCh:      make(chan struct{}),
		interval:    30 * time.Second,
		staleAfter:  5 * time.Minute,
		batchSize:   50,
	}
}

func (j *NotifiedSessionCompensateJob) Start(ctx context.Context) {
	j.log.Info("compensation job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("context done, compensation job exiting")
			return
		case <-j.stopCh:
			j.log.Info("compensation job stopped")
			return
		case <-ticker.C:
			j.compensateNotified(ctx)
		}
	}
}

func (j *NotifiedSessionCompensateJob) Stop() {
	close(j.stopCh)
}

func (j *NotifiedSessionCompensateJob) compensateNotified(ctx context.Context) {
	sessions, err := j.sessionRepo.GetStaleNotified(ctx, time.Now().UTC().Add(-j.staleAfter), j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("query notified sessions")
		return
	}

	for _, session := range sessions {
		reconciled, err := j.settler.SettleNotified(ctx, session)
		if err != nil {
			j.log.WithError(err).WithField("session_id", session.ID).Error("compensate session")
			continue
		}
		if reconciled {
			j.log.WithField("session_id", session.ID).Info("session reconciled by compensation")
		}
	}
}
