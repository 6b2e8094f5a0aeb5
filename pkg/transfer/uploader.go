package transfer

import (
	"context"
	"io"
	"net/http"

	"github.com/vmware/govmomi/vim25/soap"
)

// streamVmdkType is the content type the endpoint expects for disks it converts on upload.
const streamVmdkType = "application/x-vnd.vmware-streamVmdk"

// Uploader streams a payload to a device upload URL.
type Uploader interface {
	Upload(ctx context.Context, target string, body io.Reader, size int64, create bool) error
}

// SoapUploader uploads through the session's soap client so the request carries
// the session cookie and TLS settings.
type SoapUploader struct {
	client *soap.Client
}

// NewSoapUploader creates an uploader bound to client.
func NewSoapUploader(client *soap.Client) *SoapUploader {
	return &SoapUploader{client: client}
}

// Upload sends body to target. A target host of "*" is replaced with the client's host.
// Items the endpoint creates are PUT with an overwrite header; others are POSTed as
// stream-optimized disks.
func (u *SoapUploader) Upload(ctx context.Context, target string, body io.Reader, size int64, create bool) error {
	dst, err := u.client.ParseURL(target)
	if err != nil {
		return err
	}

	opts := soap.DefaultUpload
	opts.ContentLength = size
	if create {
		opts.Method = http.MethodPut
		opts.Headers = map[string]string{"Overwrite": "t"}
	} else {
		opts.Method = http.MethodPost
		opts.Type = streamVmdkType
	}

	return u.client.Upload(ctx, body, dst, &opts)
}
