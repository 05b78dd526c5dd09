package common

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrInvalidEnvelope is returned when a broker or HTTP payload fails validation.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// AnalyticID names the analytic a request targets.
type AnalyticID struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// MessageHeader travels in both directions. Workers echo executionId back.
type MessageHeader struct {
	MessageID    string `json:"messageId,omitempty"`
	PipelineID   string `json:"pipelineId,omitempty"`
	ExecutionID  string `json:"executionId"`
	CreationTime int64  `json:"creationTime"`
}

// ExecutionRequest is the body accepted by POST /v1/execution.
type ExecutionRequest struct {
	AnalyticID AnalyticID     `json:"analyticId"`
	Context    map[string]any `json:"context"`
}

// RequestEnvelope is the message published to an analytic's request queue.
type RequestEnvelope struct {
	Header        MessageHeader  `json:"header"`
	AnalyticID    AnalyticID     `json:"analyticId"`
	Context       map[string]any `json:"context"`
	ResponseQueue string         `json:"responseQueue,omitempty"`
}

// ResponseEnvelope is the message a worker sends back on the response queue.
type ResponseEnvelope struct {
	Header MessageHeader  `json:"header"`
	Result map[string]any `json:"result"`
	Status string         `json:"status"`
}

const executionRequestSchema = `{
  "type": "object",
  "required": ["analyticId"],
  "properties": {
    "analyticId": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "version": {"type": "string"}
      }
    },
    "context": {"type": ["object", "null"]}
  }
}`

const requestEnvelopeSchema = `{
  "type": "object",
  "required": ["header", "analyticId", "context"],
  "properties": {
    "header": {
      "type": "object",
      "required": ["executionId", "creationTime"],
      "properties": {
        "executionId": {"type": "string", "minLength": 1},
        "creationTime": {"type": "integer"}
      }
    },
    "analyticId": {
      "type": "object",
      "required": ["name"],
      "properties": {"name": {"type": "string", "minLength": 1}}
    },
    "context": {"type": "object"}
  }
}`

const responseEnvelopeSchema = `{
  "type": "object",
  "required": ["header", "status"],
  "properties": {
    "header": {
      "type": "object",
      "required": ["executionId"],
      "properties": {
        "executionId": {"type": "string", "minLength": 1}
      }
    },
    "result": {"type": ["object", "null"]},
    "status": {"type": "string", "minLength": 1, "not": {"const": "pending"}}
  }
}`

var (
	executionRequestValidator = mustCompileSchema("execution-request", executionRequestSchema)
	requestEnvelopeValidator  = mustCompileSchema("request-envelope", requestEnvelopeSchema)
	responseEnvelopeValidator = mustCompileSchema("response-envelope", responseEnvelopeSchema)
)

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://relay.evalgo.org/schemas/%s.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("schema %s load failed: %w", name, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
	}
	return compiled, nil
}

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	s, err := compileSchema(name, schema)
	if err != nil {
		panic(err)
	}
	return s
}

func validate(schema *jsonschema.Schema, what string, body []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s is not JSON: %v", ErrInvalidEnvelope, what, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, what, err)
	}
	return nil
}

// DecodeExecutionRequest validates and decodes an inbound job submission.
func DecodeExecutionRequest(body []byte) (*ExecutionRequest, error) {
	if err := validate(executionRequestValidator, "execution request", body); err != nil {
		return nil, err
	}
	var req ExecutionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	return &req, nil
}

// Marshal validates the envelope and encodes it for the broker.
func (e *RequestEnvelope) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request envelope: %w", err)
	}
	if err := validate(requestEnvelopeValidator, "request envelope", body); err != nil {
		return nil, err
	}
	return body, nil
}

// DecodeRequestEnvelope validates and decodes a message read from a request queue.
func DecodeRequestEnvelope(body []byte) (*RequestEnvelope, error) {
	if err := validate(requestEnvelopeValidator, "request envelope", body); err != nil {
		return nil, err
	}
	var env RequestEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return &env, nil
}

// DecodeResponseEnvelope validates and decodes a message read from the response queue.
func DecodeResponseEnvelope(body []byte) (*ResponseEnvelope, error) {
	if err := validate(responseEnvelopeValidator, "response envelope", body); err != nil {
		return nil, err
	}
	var env ResponseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Result == nil {
		env.Result = map[string]any{}
	}
	return &env, nil
}
