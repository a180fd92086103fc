package centrifuge

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
)

// authRequest is the body POSTed to the private-channel auth endpoint.
type authRequest struct {
	Client   string   `json:"client"`
	Channels []string `json:"channels"`
}

func postJSON(httpClient *http.Client, endpoint string, headers http.Header, params url.Values, body interface{}, out interface{}) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return NewError(InvalidURLError, err)
	}
	if len(params) > 0 {
		query := target.Query()
		for key, values := range params {
			for _, value := range values {
				query.Add(key, value)
			}
		}
		target.RawQuery = query.Encode()
	}

	payload, err := jsonAPI.Marshal(body)
	if err != nil {
		return NewError(ProtocolError, err)
	}

	req, err := http.NewRequest(http.MethodPost, target.String(), bytes.NewReader(payload))
	if err != nil {
		return NewError(ConnectionError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return NewError(ConnectionError, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return NewError(ConnectionError, fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, endpoint))
	}
	if out != nil {
		if err := jsonAPI.NewDecoder(resp.Body).Decode(out); err != nil {
			return NewError(ProtocolError, err)
		}
	}
	return nil
}

func (c *Client) httpRefresh() (*Credentials, error) {
	body := c.config.RefreshData
	if len(body) == 0 {
		body = []byte("{}")
	}
	credentials := &Credentials{}
	err := postJSON(
		c.config.HTTPClient, c.config.RefreshEndpoint,
		c.config.RefreshHeaders, c.config.RefreshParams,
		body, credentials,
	)
	if err != nil {
		return nil, err
	}
	return credentials, nil
}

func (c *Client) httpAuth(clientID string, channels []string) (map[string]ChannelAuth, error) {
	result := make(map[string]ChannelAuth)
	err := postJSON(
		c.config.HTTPClient, c.config.AuthEndpoint,
		c.config.AuthHeaders, c.config.AuthParams,
		&authRequest{Client: clientID, Channels: channels}, &result,
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}
