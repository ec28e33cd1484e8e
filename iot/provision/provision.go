/*
Package provision implements device provisioning

A device that has no credentials yet connects with the provisioning user and asks the
cloud to create it:

	publish  /provision/request   {"deviceName":"sensor-1","provisionDeviceKey":"k","provisionDeviceSecret":"s"}
	receive  /provision/response  {"status":"SUCCESS","credentialsType":"ACCESS_TOKEN","credentialsValue":"t0k3n"}

The topics carry no correlation id, so only one provisioning request can be pending.
Responses are validated against an embedded JSON schema before they reach the callback.
*/
package provision

import (
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/tbdevice/core/schema"
	"github.com/relabs-tech/tbdevice/core/watchdog"
	"github.com/relabs-tech/tbdevice/iot/ledger"
	"github.com/relabs-tech/tbdevice/iot/topic"
	"github.com/relabs-tech/tbdevice/iot/transport"
)

//go:embed schemas
var schemaFS embed.FS

const responseSchemaID = "https://tbdevice.local/schemas/provision-response.json"

var (
	// ErrRejected is passed to the callback when the cloud refused to provision the device
	ErrRejected = errors.New("provisioning rejected")
	// ErrInvalidResponse is passed to the callback when the response does not match its schema
	ErrInvalidResponse = errors.New("invalid provisioning response")
	// ErrInvalidRequest is returned for requests with incomplete credentials
	ErrInvalidRequest = errors.New("invalid provisioning request")
)

// CredentialsType selects how the provisioned device authenticates
type CredentialsType string

// Credential types
const (
	AccessToken CredentialsType = "ACCESS_TOKEN"
	MQTTBasic   CredentialsType = "MQTT_BASIC"
	X509        CredentialsType = "X509_CERTIFICATE"
)

// Credentials are device chosen credentials. Only the fields of Type are sent. An empty
// Type lets the cloud generate an access token.
type Credentials struct {
	Type     CredentialsType
	Token    string
	Username string
	Password string
	ClientID string
	Hash     string
}

// Request is a provisioning request. An empty DeviceName is replaced by a random name.
type Request struct {
	DeviceName            string
	ProvisionDeviceKey    string
	ProvisionDeviceSecret string
	Credentials           Credentials
}

// Response is the validated provisioning response
type Response struct {
	Status           string          `json:"status"`
	CredentialsType  CredentialsType `json:"credentialsType,omitempty"`
	CredentialsValue json.RawMessage `json:"credentialsValue,omitempty"`
	ErrorMsg         string          `json:"errorMsg,omitempty"`
}

// BasicCredentials are the credentials value of MQTT_BASIC responses
type BasicCredentials struct {
	ClientID string `json:"clientId"`
	Username string `json:"userName"`
	Password string `json:"password"`
}

// Token returns the access token of an ACCESS_TOKEN or X509_CERTIFICATE response
func (r *Response) Token() (string, error) {
	var token string
	if err := json.Unmarshal(r.CredentialsValue, &token); err != nil {
		return "", fmt.Errorf("credentials of type %s are not a string: %w", r.CredentialsType, err)
	}
	return token, nil
}

// Basic returns the credentials of an MQTT_BASIC response
func (r *Response) Basic() (*BasicCredentials, error) {
	var basic BasicCredentials
	if err := json.Unmarshal(r.CredentialsValue, &basic); err != nil {
		return nil, fmt.Errorf("credentials of type %s are not an object: %w", r.CredentialsType, err)
	}
	return &basic, nil
}

// Callback receives the response of a successful provisioning, or an error
type Callback func(response *Response, err error)

// Builder is a builder helper for the Client
type Builder struct {
	// Transport is mandatory
	Transport transport.PubSub
	// Scheduler is mandatory
	Scheduler *watchdog.Scheduler
	// Timeout is the response deadline. Zero disables timeouts.
	Timeout time.Duration
}

// Client provisions the device.
type Client struct {
	*ledger.Ledger
	validator *schema.Validator
}

// NewClient returns a new provisioning capability
func NewClient(b *Builder) *Client {
	return &Client{
		Ledger: ledger.New(&ledger.Builder{
			Name:          "provisioning",
			Transport:     b.Transport,
			Scheduler:     b.Scheduler,
			RequestTopic:  topic.ProvisionRequest,
			ResponseTopic: topic.ProvisionResponse,
			Keyless:       true,
			Timeout:       b.Timeout,
			Capacity:      1,
		}),
		validator: schema.MustValidatorFromFS(schemaFS, "schemas"),
	}
}

// Provision sends request. It returns false if the request is incomplete, another
// provisioning request is pending or the transport failed.
func (c *Client) Provision(request Request, callback Callback) bool {
	if callback == nil {
		return false
	}
	payload, err := encodeRequest(request)
	if err != nil {
		return false
	}
	return c.Request(payload, "", func(data []byte, err error) {
		if err != nil {
			callback(nil, err)
			return
		}
		response, err := c.decodeResponse(data)
		callback(response, err)
	})
}

func (c *Client) decodeResponse(data []byte) (*Response, error) {
	if err := c.validator.ValidateBytes(data, responseSchemaID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	var response Response
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if response.Status != "SUCCESS" {
		return &response, fmt.Errorf("%w: %s %s", ErrRejected, response.Status, response.ErrorMsg)
	}
	return &response, nil
}

func encodeRequest(request Request) ([]byte, error) {
	if len(request.ProvisionDeviceKey) == 0 || len(request.ProvisionDeviceSecret) == 0 {
		return nil, fmt.Errorf("%w: provision key or secret is missing", ErrInvalidRequest)
	}
	name := request.DeviceName
	if len(name) == 0 {
		name = uuid.New().String()
	}
	body := map[string]string{
		"deviceName":            name,
		"provisionDeviceKey":    request.ProvisionDeviceKey,
		"provisionDeviceSecret": request.ProvisionDeviceSecret,
	}

	credentials := request.Credentials
	switch credentials.Type {
	case "":
	case AccessToken:
		if len(credentials.Token) == 0 {
			return nil, fmt.Errorf("%w: token is missing", ErrInvalidRequest)
		}
		body["token"] = credentials.Token
	case MQTTBasic:
		if len(credentials.Username) == 0 || len(credentials.ClientID) == 0 {
			return nil, fmt.Errorf("%w: username or clientId is missing", ErrInvalidRequest)
		}
		body["username"] = credentials.Username
		body["password"] = credentials.Password
		body["clientId"] = credentials.ClientID
	case X509:
		if len(credentials.Hash) == 0 {
			return nil, fmt.Errorf("%w: certificate hash is missing", ErrInvalidRequest)
		}
		body["hash"] = credentials.Hash
	default:
		return nil, fmt.Errorf("%w: unknown credentials type %s", ErrInvalidRequest, credentials.Type)
	}
	if len(credentials.Type) > 0 {
		body["credentialsType"] = string(credentials.Type)
	}
	return json.Marshal(body)
}
