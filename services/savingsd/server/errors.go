package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"stakesavings/native/bank"
	nativecommon "stakesavings/native/common"
	"stakesavings/native/savings"
	"stakesavings/services/delegation"
)

var (
	errBadRequest   = errors.New("bad request")
	errUnidentified = errors.New("caller subject is not an account address")
)

var statusTable = []struct {
	status int
	errs   []error
}{
	{http.StatusBadRequest, []error{
		errBadRequest,
		savings.ErrInvalidToken,
		savings.ErrInvalidAmount,
		savings.ErrInvalidAddress,
		savings.ErrInvalidInstance,
		savings.ErrInsufficientLiquidity,
		savings.ErrInsufficientRepayment,
		savings.ErrLoanTooSmall,
		bank.ErrInvalidToken,
		bank.ErrInvalidAmount,
		bank.ErrInvalidAddress,
		bank.ErrInsufficientBalance,
		bank.ErrUnknownInstance,
		delegation.ErrWrongToken,
	}},
	{http.StatusConflict, []error{
		savings.ErrAlreadyClaimedThisEpoch,
		savings.ErrMustClaimFirst,
		savings.ErrAlreadyConvertedThisEpoch,
		savings.ErrMustConvertFirst,
		savings.ErrAlreadyCalculatedThisEpoch,
		savings.ErrNoPositionsAvailable,
		savings.ErrNoRewardsToClaim,
		savings.ErrPositionNotFound,
		savings.ErrHarvestInFlight,
	}},
	{http.StatusUnauthorized, []error{errUnidentified}},
	{http.StatusForbidden, []error{savings.ErrUnauthorizedCaller}},
	{http.StatusTooManyRequests, []error{
		nativecommon.ErrQuotaRequestsExceeded,
		nativecommon.ErrQuotaAmountExceeded,
	}},
	{http.StatusServiceUnavailable, []error{
		nativecommon.ErrModulePaused,
		savings.ErrPriceUnavailable,
	}},
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	for _, row := range statusTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.status
			}
		}
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSONError(w, statusFor(err), err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(fmt.Sprintf("{\"error\":%q}", http.StatusText(status)))
	}
	_, _ = w.Write(payload)
}
