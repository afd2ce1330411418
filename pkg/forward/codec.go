package forward

import (
	"fmt"

	"txnsession/pkg/common"
	"txnsession/pkg/iface/txnif"
)

type statusRequest struct {
	Req *txnif.WaitingTxnStatusRequest `json:"req"`
}

type statusResponse struct {
	Result *txnif.WaitingTxnStatusResult `json:"result,omitempty"`
	Err    string                        `json:"err,omitempty"`
}

func encodeRequest(req *txnif.WaitingTxnStatusRequest) ([]byte, error) {
	return common.MarshalCompressed(&statusRequest{Req: req})
}

func decodeRequest(buf []byte) (*txnif.WaitingTxnStatusRequest, error) {
	msg := new(statusRequest)
	if err := common.UnmarshalCompressed(buf, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	if msg.Req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrBadMessage)
	}
	return msg.Req, nil
}

func encodeResponse(res *txnif.WaitingTxnStatusResult, err error) ([]byte, error) {
	msg := &statusResponse{Result: res}
	if err != nil {
		msg.Result = nil
		msg.Err = err.Error()
	}
	return common.MarshalCompressed(msg)
}

func decodeResponse(buf []byte) (*txnif.WaitingTxnStatusResult, error) {
	msg := new(statusResponse)
	if err := common.UnmarshalCompressed(buf, msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadMessage, err)
	}
	if msg.Err != "" {
		return nil, fmt.Errorf("%w: %s", ErrLeaderRejected, msg.Err)
	}
	if msg.Result == nil {
		return nil, fmt.Errorf("%w: empty response", ErrBadMessage)
	}
	return msg.Result, nil
}
