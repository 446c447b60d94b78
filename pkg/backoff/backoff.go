package backoff

import "time"

// WebhookDelay returns the pause before retrying a webhook delivery after
// the given attempt number (1-based). The sequence is 5^(attempt-1) seconds:
// 1s, 5s, 25s. Webhook endpoints are third-party services, so the schedule
// is deliberately steeper than the internal notification schedule.
func WebhookDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 5
	}
	return d
}

// notificationSchedule is keyed by the notification's retry count at the
// time of failure: first failure waits 5m, second 30m, third 2h.
var notificationSchedule = []time.Duration{
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// NotificationDelay returns the reschedule delay for a failed notification
// with the given retry count. Counts past the end of the schedule stay at
// the final step.
func NotificationDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(notificationSchedule) {
		return notificationSchedule[len(notificationSchedule)-1]
	}
	return notificationSchedule[retryCount]
}
