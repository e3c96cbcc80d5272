package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/driftline/notify-api/internal/models"
	"github.com/driftline/notify-api/internal/push"
	"github.com/driftline/notify-api/internal/repository"
)

// RealtimeChannel pushes an envelope to a user's live in-app session.
// False means no session took the message; that is not an error.
type RealtimeChannel interface {
	PushToUser(userID string, envelope interface{}) bool
}

// NativeChannel delivers one message to one device token via the
// provider.
type NativeChannel interface {
	Send(ctx context.Context, deviceToken string, msg push.Message) (push.Result, error)
}

// Mailer is the optional last-resort fallback stage.
type Mailer interface {
	SendNotification(email, title, body string) error
}

// Dispatcher turns one claimed notification into exactly one terminal
// status: realtime first, native push fan-out second, email last when
// configured. Per-job errors are recorded on the row and never abort
// the batch.
type Dispatcher struct {
	notifications repository.NotificationRepository
	devices       repository.DeviceRepository
	users         repository.UserRepository
	realtime      RealtimeChannel
	native        NativeChannel
	mailer        Mailer
	logger        zerolog.Logger
}

type Config struct {
	Notifications repository.NotificationRepository
	Devices       repository.DeviceRepository
	Users         repository.UserRepository
	Realtime      RealtimeChannel
	Native        NativeChannel // nil when push is not configured
	Mailer        Mailer        // nil when email fallback is disabled
}

func NewDispatcher(cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifications: cfg.Notifications,
		devices:       cfg.Devices,
		users:         cfg.Users,
		realtime:      cfg.Realtime,
		native:        cfg.Native,
		mailer:        cfg.Mailer,
		logger:        logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Dispatch delivers one claimed notification by id. The payload is
// re-fetched so delivery acts on current row state, not whatever was in
// memory at claim time.
func (d *Dispatcher) Dispatch(ctx context.Context, id string) error {
	notif, err := d.notifications.GetByID(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "load notification %s", id)
	}
	if notif.Status != models.NotificationStatusInFlight {
		reason := "requeued"
		if notif.Status.IsTerminal() {
			reason = "terminal"
		}
		// Either way this pass does not own the row.
		d.logger.Debug().Str("notification_id", id).Str("status", string(notif.Status)).Str("reason", reason).Msg("skipping non-claimed notification")
		return nil
	}

	// Terminal writes must land even when the cycle budget expires mid
	// batch. An accepted send that never gets recorded would be requeued
	// by the stale sweep and delivered a second time.
	persistCtx := context.WithoutCancel(ctx)

	if d.realtime != nil && d.realtime.PushToUser(notif.UserID, notif) {
		if err := d.notifications.MarkDelivered(persistCtx, notif.ID); err != nil {
			return errors.Wrapf(err, "mark notification %s delivered", notif.ID)
		}
		d.logger.Info().Str("notification_id", notif.ID).Str("user_id", notif.UserID).Msg("delivered via realtime")
		return nil
	}

	accepted, lastErr := d.fanOutNative(ctx, notif)
	if accepted {
		if err := d.notifications.MarkSent(persistCtx, notif.ID); err != nil {
			return errors.Wrapf(err, "mark notification %s sent", notif.ID)
		}
		d.logger.Info().Str("notification_id", notif.ID).Str("user_id", notif.UserID).Msg("sent via native push")
		return nil
	}

	if d.mailer != nil {
		if err := d.sendEmail(notif); err != nil {
			lastErr = err.Error()
		} else {
			if err := d.notifications.MarkSent(persistCtx, notif.ID); err != nil {
				return errors.Wrapf(err, "mark notification %s sent", notif.ID)
			}
			d.logger.Info().Str("notification_id", notif.ID).Str("user_id", notif.UserID).Msg("sent via email fallback")
			return nil
		}
	}

	if lastErr == "" {
		lastErr = "no reachable channel"
	}
	if err := d.notifications.MarkFailed(persistCtx, notif.ID, lastErr); err != nil {
		return errors.Wrapf(err, "mark notification %s failed", notif.ID)
	}
	d.logger.Warn().Str("notification_id", notif.ID).Str("user_id", notif.UserID).Str("reason", lastErr).Msg("notification failed")
	return nil
}

// fanOutNative sends to every active native device; partial success
// counts. The last channel error is returned for the job row.
func (d *Dispatcher) fanOutNative(ctx context.Context, notif models.Notification) (bool, string) {
	if d.native == nil {
		return false, push.ErrNotConfigured.Error()
	}

	devices, err := d.devices.ListActiveNative(ctx, notif.UserID)
	if err != nil {
		return false, fmt.Sprintf("list devices: %v", err)
	}
	if len(devices) == 0 {
		return false, ""
	}

	msg := buildMessage(notif)
	accepted := false
	lastErr := ""
	for _, device := range devices {
		if device.PushToken == nil || !device.Platform.SupportsNativePush() {
			continue
		}
		result, err := d.native.Send(ctx, *device.PushToken, msg)
		if err != nil {
			lastErr = err.Error()
			d.logger.Warn().Err(err).Str("device_id", device.ID).Msg("push attempt failed")
			continue
		}
		if result.Accepted {
			accepted = true
			continue
		}

		lastErr = result.Reason
		if result.Permanent() {
			// Dead token: clear it now so no future job retries it. The
			// provider verdict is recorded even if the cycle budget ran
			// out during the fan-out.
			if err := d.devices.Invalidate(context.WithoutCancel(ctx), device.ID); err != nil {
				d.logger.Error().Err(err).Str("device_id", device.ID).Msg("failed to invalidate device")
			} else {
				d.logger.Info().Str("device_id", device.ID).Str("reason", result.Reason).Msg("device invalidated")
			}
		}
	}
	return accepted, lastErr
}

func (d *Dispatcher) sendEmail(notif models.Notification) error {
	user, err := d.users.GetUserByID(notif.UserID)
	if err != nil {
		return errors.Wrapf(err, "load user %s", notif.UserID)
	}
	return d.mailer.SendNotification(user.Email, notif.Title, notif.Body)
}

func buildMessage(notif models.Notification) push.Message {
	data := map[string]interface{}{
		"notification_id": notif.ID,
		"type":            string(notif.Type),
	}
	if notif.Action != "" {
		data["action"] = notif.Action
	}
	if len(notif.ActionData) > 0 {
		data["action_data"] = notif.ActionData
	}

	priority := 10
	if notif.Priority == models.NotificationPriorityLow {
		priority = 5
	}

	return push.Message{
		Title:      strings.TrimSpace(notif.Title),
		Body:       strings.TrimSpace(notif.Body),
		Sound:      "default",
		ThreadID:   string(notif.Type),
		CollapseID: notif.ID,
		Priority:   priority,
		Data:       data,
	}
}
