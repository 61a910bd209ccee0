package referral

const (
	// TaskAwardReward issues the referrer's points after a referral
	// completes. Enqueued after the commission transaction commits; asynq
	// retries carry the upstream failure handling.
	TaskAwardReward = "referral:award_reward"
)

type AwardRewardPayload struct {
	ReferralID string `json:"referral_id"`
	TraceID    string `json:"trace_id,omitempty"`
}
