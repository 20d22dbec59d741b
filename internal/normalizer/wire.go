package normalizer

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Endpoint identifies which upstream prediction model produced a response.
type Endpoint string

const (
	// EndpointA answers {"result":{"scores":{...}}}.
	EndpointA Endpoint = "A"
	// EndpointB answers {"predicted_class":..., "confidence":..., "scores":{...}}.
	EndpointB Endpoint = "B"
)

// ParseEndpoint accepts "A"/"B" in any case.
func ParseEndpoint(raw string) (Endpoint, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(EndpointA):
		return EndpointA, nil
	case string(EndpointB):
		return EndpointB, nil
	default:
		return "", fmt.Errorf("unknown prediction endpoint %q", raw)
	}
}

// DefaultScheme is the threshold scheme paired with the endpoint.
func (e Endpoint) DefaultScheme() Scheme {
	if e == EndpointB {
		return SchemeB
	}
	return SchemeA
}

// Response is an upstream model answer reduced to what the normalizer consumes.
type Response struct {
	Endpoint       Endpoint    `json:"endpoint"`
	Scores         RawScoreMap `json:"scores"`
	PredictedClass string      `json:"predicted_class,omitempty"`
	Confidence     *float64    `json:"confidence,omitempty"`
}

// Input converts the response into BuildOutcome input under the given scheme.
func (r *Response) Input(scheme Scheme) Input {
	return Input{
		Endpoint:            r.Endpoint,
		Scheme:              scheme,
		Scores:              r.Scores,
		AggregateConfidence: r.Confidence,
	}
}

type endpointABody struct {
	Result *struct {
		Scores RawScoreMap `json:"scores"`
	} `json:"result"`
}

type endpointBBody struct {
	PredictedClass string          `json:"predicted_class"`
	Confidence     json.RawMessage `json:"confidence"`
	Scores         RawScoreMap     `json:"scores"`
}

// ParseResponse decodes an upstream body for the given endpoint. Bad score values
// surface as *MalformedScoreError; anything else is a decode error.
func ParseResponse(endpoint Endpoint, body []byte) (*Response, error) {
	switch endpoint {
	case EndpointA:
		var payload endpointABody
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		resp := &Response{Endpoint: EndpointA}
		if payload.Result != nil {
			resp.Scores = payload.Result.Scores
		}
		return resp, nil
	case EndpointB:
		var payload endpointBBody
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
		resp := &Response{
			Endpoint:       EndpointB,
			Scores:         payload.Scores,
			PredictedClass: payload.PredictedClass,
		}
		if len(payload.Confidence) > 0 && string(payload.Confidence) != "null" {
			confidence, err := decodeProbability("confidence", payload.Confidence)
			if err != nil {
				return nil, err
			}
			resp.Confidence = &confidence
		}
		return resp, nil
	default:
		return nil, fmt.Errorf("unknown prediction endpoint %q", endpoint)
	}
}
