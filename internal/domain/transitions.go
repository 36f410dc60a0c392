package domain

// CampaignAction names an operator or system action against a campaign.
type CampaignAction string

const (
	ActionEdit       CampaignAction = "edit"
	ActionDelete     CampaignAction = "delete"
	ActionSchedule   CampaignAction = "schedule"
	ActionUnschedule CampaignAction = "unschedule"
	ActionLaunch     CampaignAction = "launch"
	ActionPause      CampaignAction = "pause"
	ActionResume     CampaignAction = "resume"
	ActionCancel     CampaignAction = "cancel"
	ActionComplete   CampaignAction = "complete"
	ActionFail       CampaignAction = "fail"
	ActionReseed     CampaignAction = "reseed"
)

type transitionRule struct {
	from []CampaignStatus
	to   CampaignStatus
}

// transitionRules maps each action to its source states and target.
// Edit and reseed have no target: the status is unchanged.
var transitionRules = map[CampaignAction]transitionRule{
	ActionEdit:       {from: []CampaignStatus{CampaignDraft, CampaignScheduled}},
	ActionDelete:     {from: []CampaignStatus{CampaignDraft}, to: CampaignDeleted},
	ActionSchedule:   {from: []CampaignStatus{CampaignDraft}, to: CampaignScheduled},
	ActionUnschedule: {from: []CampaignStatus{CampaignScheduled}, to: CampaignDraft},
	ActionLaunch:     {from: []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignFailed}, to: CampaignSending},
	ActionPause:      {from: []CampaignStatus{CampaignSending}, to: CampaignPaused},
	ActionResume:     {from: []CampaignStatus{CampaignPaused}, to: CampaignSending},
	ActionCancel:     {from: []CampaignStatus{CampaignSending, CampaignPaused, CampaignScheduled}, to: CampaignCancelled},
	ActionComplete:   {from: []CampaignStatus{CampaignSending}, to: CampaignCompleted},
	ActionFail:       {from: []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignSending}, to: CampaignFailed},
	ActionReseed:     {from: []CampaignStatus{CampaignSending, CampaignPaused}},
}

// AllowedFrom returns the states from which action may be applied.
func AllowedFrom(action CampaignAction) []CampaignStatus {
	rule, ok := transitionRules[action]
	if !ok {
		return nil
	}
	out := make([]CampaignStatus, len(rule.from))
	copy(out, rule.from)
	return out
}

// NextStatus returns the status a campaign in current moves to under action.
// The second result is false when the action is not permitted.
func NextStatus(current CampaignStatus, action CampaignAction) (CampaignStatus, bool) {
	rule, ok := transitionRules[action]
	if !ok {
		return "", false
	}
	for _, s := range rule.from {
		if s == current {
			if rule.to == "" {
				return current, true
			}
			return rule.to, true
		}
	}
	return "", false
}
