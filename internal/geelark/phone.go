package geelark

import (
	"context"
	"fmt"
)

// PhoneStatus is the remote power state of a cloud phone.
type PhoneStatus int

const (
	PhoneStarted  PhoneStatus = 0
	PhoneStarting PhoneStatus = 1
	PhoneShutdown PhoneStatus = 2
	PhoneExpired  PhoneStatus = 3
)

func (s PhoneStatus) String() string {
	switch s {
	case PhoneStarted:
		return "started"
	case PhoneStarting:
		return "starting"
	case PhoneShutdown:
		return "shutdown"
	case PhoneExpired:
		return "expired"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CodePhoneNotFound is the fail code for a phone id that does not exist.
const CodePhoneNotFound = 42001

// PhoneDetail is one per-phone entry of a bulk phone operation.
type PhoneDetail struct {
	ID     string      `json:"id"`
	Code   int         `json:"code"`
	Msg    string      `json:"msg"`
	Status PhoneStatus `json:"status"`
	URL    string      `json:"url,omitempty"`
}

// PhoneBatchResult is the response of start, stop and status calls.
type PhoneBatchResult struct {
	TotalAmount    int           `json:"totalAmount"`
	SuccessAmount  int           `json:"successAmount"`
	FailAmount     int           `json:"failAmount"`
	SuccessDetails []PhoneDetail `json:"successDetails"`
	FailDetails    []PhoneDetail `json:"failDetails"`
}

// Failure returns the fail entry for a phone id, if any.
func (r *PhoneBatchResult) Failure(id string) (PhoneDetail, bool) {
	for _, d := range r.FailDetails {
		if d.ID == id {
			return d, true
		}
	}
	return PhoneDetail{}, false
}

// Success returns the success entry for a phone id, if any.
func (r *PhoneBatchResult) Success(id string) (PhoneDetail, bool) {
	for _, d := range r.SuccessDetails {
		if d.ID == id {
			return d, true
		}
	}
	return PhoneDetail{}, false
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

// StartPhones boots the given phones.
func (c *Client) StartPhones(ctx context.Context, ids []string) (*PhoneBatchResult, error) {
	var out PhoneBatchResult
	if err := c.post(ctx, "/open/v1/phone/start", idsRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopPhones shuts the given phones down.
func (c *Client) StopPhones(ctx context.Context, ids []string) (*PhoneBatchResult, error) {
	var out PhoneBatchResult
	if err := c.post(ctx, "/open/v1/phone/stop", idsRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPhoneStatus returns the power state of the given phones.
func (c *Client) GetPhoneStatus(ctx context.Context, ids []string) (*PhoneBatchResult, error) {
	var out PhoneBatchResult
	if err := c.post(ctx, "/open/v1/phone/status", idsRequest{IDs: ids}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type appListRequest struct {
	EnvID    string `json:"envId"`
	Page     int    `json:"page"`
	PageSize int    `json:"pageSize"`
}

type appListResponse struct {
	Total int `json:"total"`
	Items []struct {
		PackageName   string `json:"packageName"`
		InstallStatus int    `json:"installStatus"`
	} `json:"items"`
}

// IsAppInstalled reports whether the package is fully installed on the phone.
func (c *Client) IsAppInstalled(ctx context.Context, phoneID, packageName string) (bool, error) {
	var out appListResponse
	if err := c.post(ctx, "/open/v1/app/list", appListRequest{EnvID: phoneID, Page: 1, PageSize: 100}, &out); err != nil {
		return false, err
	}
	for _, app := range out.Items {
		if app.PackageName == packageName && app.InstallStatus == 1 {
			return true, nil
		}
	}
	return false, nil
}
