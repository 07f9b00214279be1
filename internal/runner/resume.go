package runner

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"deribit_bot/internal/bracket"
	"deribit_bot/internal/models"
	"deribit_bot/pkg/logger"
)

// ResumeAll поднимает сохранённые экземпляры после рестарта процесса.
// Невозобновляемые плоские записи вычищаются из стора.
func (m *Manager) ResumeAll(ctx context.Context) error {
	list, err := m.store.LoadAll(ctx)
	if err != nil {
		return errors.Wrap(err, "load instances")
	}

	for _, st := range list {
		if !st.Resumable && !st.HasOpenPosition() {
			logger.Info("resume: чистим %s (не возобновляемый, позиции нет)", st.Key)
			if derr := m.store.Delete(ctx, st.Key); derr != nil {
				logger.Error("resume: delete %s: %v", st.Key, derr)
			}
			continue
		}

		if rerr := m.resumeOne(ctx, st); rerr != nil {
			// экземпляр остаётся в сторе со статусом error — решит оператор
			logger.Error("resume %s: %v", st.Key, rerr)
			st.Status = models.StatusError
			st.LastError = rerr.Error()
			if serr := m.store.Save(ctx, st); serr != nil {
				logger.Error("resume: save %s: %v", st.Key, serr)
			}
		}
	}
	return nil
}

func (m *Manager) resumeOne(ctx context.Context, st *models.StrategyInstance) error {
	key := st.Key

	m.mu.Lock()
	if _, ok := m.instances[key]; ok {
		m.mu.Unlock()
		return nil // уже крутится
	}
	inst := newInstance(m, key, st.Config)
	inst.st = st
	m.instances[key] = inst
	m.mu.Unlock()

	if err := m.prepare(ctx, inst); err != nil {
		m.remove(key)
		return err
	}

	if st.HasOpenPosition() {
		if err := m.reattachBracket(ctx, inst); err != nil {
			m.remove(key)
			return err
		}
	} else {
		st.Status = models.StatusAnalyzing
	}

	if err := m.store.Save(ctx, inst.snapshot()); err != nil {
		m.remove(key)
		return errors.Wrap(err, "save instance")
	}

	m.emit(ctx, models.EventStrategyResumed, key, "🔄 стратегия %s восстановлена (%s)", key.Strategy, st.Status)
	inst.start()
	return nil
}

// reattachBracket сверяет сохранённый брекет с биржей: позиция жива —
// продолжаем вести, закрылась пока нас не было — фиксируем сделку.
func (m *Manager) reattachBracket(ctx context.Context, inst *Instance) error {
	st := inst.st
	pos, err := inst.ex.GetPosition(ctx, st.Key.Instrument)
	if err != nil {
		return errors.Wrap(err, "verify position")
	}

	if !pos.Open() {
		st.Bracket.Status = models.BracketClosed
		st.Status = models.StatusCooldown
		inst.mu.Lock()
		inst.cooldownUntil = time.Now()
		inst.mu.Unlock()
		logger.Info("resume %s: позиция закрылась офлайн", st.Key)
		return nil
	}

	inst.bkt = bracket.Restore(bracket.Params{
		Key:              st.Key,
		Instrument:       inst.rules,
		Exchange:         inst.ex,
		Notifier:         m.notify,
		VerifyRetries:    m.cfg.Deribit.VerifyRetries,
		VerifyRetryDelay: m.cfg.Deribit.VerifyRetryDelay,
		TrailMinInterval: m.cfg.EvalInterval,
		OnChange:         inst.persistBracket,
	}, *st.Bracket)

	st.Status = models.StatusPositionOpen
	inst.subscribeUpdates(ctx)
	return nil
}
