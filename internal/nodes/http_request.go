package nodes

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// NewHTTPRequest performs an outbound HTTP call per input item through the
// sandbox's guarded client. Authentication headers come from injected
// credentials, never from raw parameters.
func NewHTTPRequest() *NodeType {
	return &NodeType{
		Type:        "http_request",
		DisplayName: "HTTP Request",
		Group:       "action",
		Version:     "1.0",
		Properties: []Property{
			{Name: "url", DisplayName: "URL", Type: "string", Required: true},
			{Name: "method", DisplayName: "Method", Type: "options", Default: "GET",
				Options: []interface{}{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}},
			{Name: "headers", DisplayName: "Headers", Type: "object"},
			{Name: "body", DisplayName: "Body", Type: "json"},
			{Name: "authentication", DisplayName: "Authentication", Type: "options", Default: "none",
				Options: []interface{}{"none", "basicAuth", "headerAuth", "bearerToken"}},
		},
		Defaults: map[string]interface{}{"method": "GET", "authentication": "none"},
		Inputs:   []string{workflow.MainChannel},
		Outputs:  []string{workflow.MainChannel},
		Execute:  executeHTTPRequest,
	}
}

func executeHTTPRequest(ctx context.Context, in *Input) (*Output, error) {
	if in.HTTP == nil {
		return nil, NewError(KindSecurity, "outbound network access is not available")
	}

	rawURL, _ := in.Parameters["url"].(string)
	if rawURL == "" {
		return nil, NewError(KindValidation, "url parameter is required")
	}
	method, _ := in.Parameters["method"].(string)
	if method == "" {
		method = "GET"
	}
	method = strings.ToUpper(method)

	headers := make(map[string]string)
	if raw, ok := in.Parameters["headers"].(map[string]interface{}); ok {
		for k, v := range raw {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}
	if err := applyAuthentication(in, headers); err != nil {
		return nil, err
	}

	var body []byte
	if raw, ok := in.Parameters["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = []byte(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, Errorf(KindValidation, "request body is not serializable: %v", err)
			}
			body = encoded
			if _, set := headers["Content-Type"]; !set {
				headers["Content-Type"] = "application/json"
			}
		}
	}

	items := in.Items()
	if len(items) == 0 {
		items = []workflow.Item{{}}
	}
	out := make([]workflow.Item, 0, len(items))
	for range items {
		resp, err := in.HTTP.Do(ctx, &Request{
			Method:  method,
			URL:     rawURL,
			Headers: headers,
			Body:    body,
		})
		if err != nil {
			return nil, AsError(err)
		}
		if resp.StatusCode >= 400 {
			return nil, Errorf(KindFromHTTPStatus(resp.StatusCode),
				"request to %s returned status %d", rawURL, resp.StatusCode)
		}
		out = append(out, workflow.Item{
			"statusCode": resp.StatusCode,
			"headers":    resp.Headers,
			"body":       decodeBody(resp),
		})
	}
	return NewOutput(out...), nil
}

func applyAuthentication(in *Input, headers map[string]string) error {
	mode, _ := in.Parameters["authentication"].(string)
	if mode == "" || mode == "none" {
		return nil
	}
	cred := firstCredential(in)
	if cred == nil {
		return Errorf(KindAuth, "authentication %q requires a credential", mode)
	}
	switch mode {
	case "basicAuth":
		user, _ := cred["user"].(string)
		password, _ := cred["password"].(string)
		headers["Authorization"] = "Basic " + basicAuth(user, password)
	case "bearerToken":
		token, _ := cred["token"].(string)
		headers["Authorization"] = "Bearer " + token
	case "headerAuth":
		name, _ := cred["name"].(string)
		value, _ := cred["value"].(string)
		if name == "" {
			return NewError(KindAuth, "header auth credential is missing the header name")
		}
		headers[name] = value
	default:
		return Errorf(KindValidation, "unknown authentication mode %q", mode)
	}
	return nil
}

func firstCredential(in *Input) map[string]interface{} {
	for _, cred := range in.Credentials {
		return cred
	}
	return nil
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}

func decodeBody(resp *Response) interface{} {
	contentType := resp.Headers["Content-Type"]
	if strings.Contains(contentType, "application/json") {
		var decoded interface{}
		if err := json.Unmarshal(resp.Body, &decoded); err == nil {
			return decoded
		}
	}
	return string(resp.Body)
}
