package fiscal

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Wandeon/FiskAI-App-sub000/internal/domain"
	"github.com/Wandeon/FiskAI-App-sub000/pkg/logger"
)

const (
	// DefaultSubmitTimeout bounds one protocol attempt. The client never
	// retries internally; retry scheduling belongs to the job processor.
	DefaultSubmitTimeout = 30 * time.Second

	soapEnvelopeOpen  = `<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>`
	soapEnvelopeClose = `</soap:Body></soap:Envelope>`

	contentTypeXML = "text/xml; charset=utf-8"
	soapAction     = "/submitInvoice"

	maxResponseBytes = 1 << 20
)

type OutcomeKind string

const (
	OutcomeSuccess        OutcomeKind = "SUCCESS"
	OutcomeProtocolError  OutcomeKind = "PROTOCOL_ERROR"
	OutcomeTransportFault OutcomeKind = "TRANSPORT_FAULT"
	OutcomeParseFailure   OutcomeKind = "PARSE_FAILURE"
	OutcomeNetworkError   OutcomeKind = "NETWORK_ERROR"
)

// Outcome is the structured result of exactly one submission attempt.
// Submit never returns an error: network and parse failures become typed
// outcomes so the processor classifies everything through one input.
type Outcome struct {
	Kind           OutcomeKind
	UniqueID       string
	ProtectiveCode string
	ErrorCode      string
	ErrorMessage   string
	HTTPStatus     int
	RawResponse    string
}

type ClientConfig struct {
	TestEndpoint string
	ProdEndpoint string
	Timeout      time.Duration
}

type Client struct {
	httpClient   *http.Client
	testEndpoint string
	prodEndpoint string
	log          *logger.Logger
}

func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSubmitTimeout
	}

	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		testEndpoint: cfg.TestEndpoint,
		prodEndpoint: cfg.ProdEndpoint,
		log:          log,
	}
}

func (c *Client) endpoint(env domain.Environment) string {
	if env == domain.EnvironmentProd {
		return c.prodEndpoint
	}
	return c.testEndpoint
}

// Submit wraps the signed document in the transport envelope and performs a
// single POST to the environment-specific endpoint.
func (c *Client) Submit(ctx context.Context, signedDocument string, env domain.Environment) Outcome {
	payload := soapEnvelopeOpen + signedDocument + soapEnvelopeClose

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(env), strings.NewReader(payload))
	if err != nil {
		return Outcome{
			Kind:         OutcomeNetworkError,
			ErrorCode:    "REQUEST_BUILD",
			ErrorMessage: err.Error(),
		}
	}
	req.Header.Set("Content-Type", contentTypeXML)
	req.Header.Set("SOAPAction", soapAction)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn(ctx, "Fiscal submission transport failure",
			"environment", env,
			"error", err,
		)
		code := "NETWORK"
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			code = "TIMEOUT"
		}
		return Outcome{
			Kind:         OutcomeNetworkError,
			ErrorCode:    code,
			ErrorMessage: err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Outcome{
			Kind:         OutcomeNetworkError,
			ErrorCode:    "READ_BODY",
			ErrorMessage: err.Error(),
			HTTPStatus:   resp.StatusCode,
		}
	}

	outcome := parseResponse(string(body))
	outcome.HTTPStatus = resp.StatusCode
	return outcome
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// parseResponse walks the response tokens by local element name, which makes
// extraction indifferent to the namespace prefix conventions of different
// authority endpoints.
func parseResponse(body string) Outcome {
	type protocolError struct {
		code    string
		message string
	}

	dec := xml.NewDecoder(strings.NewReader(body))

	var (
		stack          []string
		uniqueID       string
		protectiveCode string
		faultCode      string
		faultString    string
		protoErrors    []protocolError
		sawElement     bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Outcome{
				Kind:         OutcomeParseFailure,
				ErrorCode:    "PARSE_FAILURE",
				ErrorMessage: err.Error(),
				RawResponse:  body,
			}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			stack = append(stack, t.Name.Local)
			if t.Name.Local == "Error" {
				protoErrors = append(protoErrors, protocolError{})
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}

			inError := len(protoErrors) > 0 && containsElement(stack, "Error")
			switch strings.ToLower(stack[len(stack)-1]) {
			case "uniqueid":
				uniqueID = text
			case "protectivecode":
				protectiveCode = text
			case "code":
				if inError {
					protoErrors[len(protoErrors)-1].code = text
				}
			case "message":
				if inError {
					protoErrors[len(protoErrors)-1].message = text
				}
			case "faultcode":
				faultCode = text
			case "faultstring":
				faultString = text
			}
		}
	}

	if !sawElement {
		return Outcome{
			Kind:         OutcomeParseFailure,
			ErrorCode:    "PARSE_FAILURE",
			ErrorMessage: "response body carries no XML document",
			RawResponse:  body,
		}
	}

	if faultCode != "" || faultString != "" {
		return Outcome{
			Kind:         OutcomeTransportFault,
			ErrorCode:    faultCode,
			ErrorMessage: faultString,
			RawResponse:  body,
		}
	}

	if len(protoErrors) > 0 {
		// Multiple simultaneous errors: the first is primary.
		return Outcome{
			Kind:         OutcomeProtocolError,
			ErrorCode:    protoErrors[0].code,
			ErrorMessage: protoErrors[0].message,
			RawResponse:  body,
		}
	}

	if uniqueID == "" {
		// A wrapper that looks successful but carries no unique ID proves
		// nothing was registered. Treated as a parse-level failure since it
		// most plausibly reflects a mangling proxy or gateway.
		return Outcome{
			Kind:         OutcomeParseFailure,
			ErrorCode:    "MISSING_UNIQUE_ID",
			ErrorMessage: "response carries no authority unique ID",
			RawResponse:  body,
		}
	}

	return Outcome{
		Kind:           OutcomeSuccess,
		UniqueID:       uniqueID,
		ProtectiveCode: protectiveCode,
		RawResponse:    body,
	}
}

func containsElement(stack []string, name string) bool {
	for _, s := range stack {
		if s == name {
			return true
		}
	}
	return false
}
