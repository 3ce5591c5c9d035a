package client

import (
	"context"
	"encoding/base64"
	"fmt"
)

// Decrypter opens enterprise specifications through a remote decryption
// service. The service answers a success envelope whose data is the
// base64 encoded plaintext.
type Decrypter struct {
	client *Client
	url    string
}

// NewDecrypter creates a decrypter posting to url
func NewDecrypter(c *Client, url string) *Decrypter {
	return &Decrypter{client: c, url: url}
}

type decryptRequest struct {
	Owner  string `json:"owner"`
	Height uint32 `json:"height"`
	Blob   string `json:"blob"`
}

// Decrypt returns the plaintext of an enterprise blob
func (d *Decrypter) Decrypt(ctx context.Context, owner string, height uint32, blob string) ([]byte, error) {
	var encoded string
	if err := d.client.postJSON(ctx, d.url, decryptRequest{Owner: owner, Height: height, Blob: blob}, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decrypt enterprise specification: %w", err)
	}
	plain, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode decrypted specification: %w", err)
	}
	return plain, nil
}
