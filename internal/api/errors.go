package api

import (
	"errors"
	"net/http"

	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/preferences"
)

// respondError maps service errors onto stable codes. Anything unmapped is
// logged and returned as a generic internal_error.
func respondError(w http.ResponseWriter, err error) {
	var verr *campaign.ValidationError
	var perr *campaign.PolicyError
	switch {
	case errors.As(err, &verr):
		httputil.ErrorWithDetails(w, http.StatusBadRequest, httputil.CodeValidation, "validation failed", verr.Fields)
	case errors.Is(err, segmentation.ErrInvalidConditions):
		httputil.ErrorWithDetails(w, http.StatusBadRequest, httputil.CodeValidation,
			"invalid segment conditions", segmentation.Problems(err))
	case errors.Is(err, preferences.ErrInvalidInput), errors.Is(err, preferences.ErrBatchTooLarge):
		httputil.Error(w, http.StatusBadRequest, httputil.CodeValidation, err.Error())
	case errors.Is(err, segmentation.ErrSegmentInactive):
		httputil.Error(w, http.StatusUnprocessableEntity, httputil.CodeValidation, err.Error())

	case errors.As(err, &perr):
		httputil.ErrorWithDetails(w, http.StatusConflict, httputil.CodeInvalidTransition, perr.Error(),
			map[string]string{"status": string(perr.Current), "action": string(perr.Action)})
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.Error(w, http.StatusConflict, httputil.CodeInvalidTransition, err.Error())
	case errors.Is(err, campaign.ErrNoRecipients):
		httputil.Error(w, http.StatusUnprocessableEntity, httputil.CodeNoRecipients, "campaign audience is empty")

	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, segmentation.ErrSegmentNotFound),
		errors.Is(err, preferences.ErrNotFound):
		httputil.NotFound(w, notFoundMessage(err))

	case errors.Is(err, campaign.ErrLaunchInProgress), errors.Is(err, campaign.ErrConflict),
		errors.Is(err, campaign.ErrNotDrained), errors.Is(err, segmentation.ErrDuplicateName):
		httputil.Error(w, http.StatusConflict, httputil.CodeConflict, conflictMessage(err))

	default:
		httputil.InternalError(w, err)
	}
}

func notFoundMessage(err error) string {
	switch {
	case errors.Is(err, segmentation.ErrSegmentNotFound):
		return "segment not found"
	case errors.Is(err, preferences.ErrNotFound):
		return "user not found"
	default:
		return "campaign not found"
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, campaign.ErrLaunchInProgress):
		return "another operation is in progress for this campaign"
	case errors.Is(err, campaign.ErrNotDrained):
		return "campaign still has outstanding deliveries"
	case errors.Is(err, segmentation.ErrDuplicateName):
		return "segment name already exists"
	default:
		return "campaign was modified concurrently, retry"
	}
}
