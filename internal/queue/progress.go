package queue

import "github.com/rs/zerolog/log"

// ProgressFunc receives human-readable progress for one user's sync. Delivery is
// fire-and-forget: nothing is buffered for users without a registered callback.
type ProgressFunc func(userID int64, message string, data map[string]any)

type progressSub struct {
	id uint64
	fn ProgressFunc
}

// RegisterProgressCallback sets the user's callback, replacing any previous one. The returned
// token identifies this registration for UnregisterProgressCallbackIf.
func (q *Queue) RegisterProgressCallback(userID int64, fn ProgressFunc) uint64 {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	q.cbSeq++
	q.callbacks[userID] = progressSub{id: q.cbSeq, fn: fn}
	return q.cbSeq
}

func (q *Queue) UnregisterProgressCallback(userID int64) {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	delete(q.callbacks, userID)
}

// UnregisterProgressCallbackIf removes the user's callback only while token is still the
// current registration. A subscriber that was replaced cannot remove its successor.
func (q *Queue) UnregisterProgressCallbackIf(userID int64, token uint64) bool {
	q.cbMu.Lock()
	defer q.cbMu.Unlock()
	sub, ok := q.callbacks[userID]
	if !ok || sub.id != token {
		return false
	}
	delete(q.callbacks, userID)
	return true
}

func (q *Queue) notify(userID int64, message string, data map[string]any) {
	q.cbMu.RLock()
	fn := q.callbacks[userID].fn
	q.cbMu.RUnlock()
	if fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int64("user_id", userID).Msg("progress callback panicked")
		}
	}()
	fn(userID, message, data)
}
