// Package lambdainvoke queues work as asynchronous Lambda invocations.
package lambdainvoke

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

// invokeAPI is the minimal Lambda interface required by Client.
// *lambda.Client from aws-sdk-go-v2 satisfies this interface.
type invokeAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Client invokes one function with InvocationType Event. Lambda stores the
// payload and answers 202 before the function runs.
type Client struct {
	api      invokeAPI
	function string
}

func New(api invokeAPI, function string) (*Client, error) {
	if api == nil {
		return nil, errors.New("lambdainvoke: api must not be nil")
	}
	function = strings.TrimSpace(function)
	if function == "" {
		return nil, errors.New("lambdainvoke: function name is required")
	}
	return &Client{api: api, function: function}, nil
}

// Enqueue hands payload to an asynchronous invocation of the function.
func (c *Client) Enqueue(ctx context.Context, payload []byte) error {
	out, err := c.api.Invoke(ctx, &lambda.InvokeInput{
		FunctionName:   aws.String(c.function),
		InvocationType: types.InvocationTypeEvent,
		Payload:        payload,
	})
	if err != nil {
		return fmt.Errorf("lambdainvoke: invoke %s: %w", c.function, err)
	}
	if out.FunctionError != nil {
		return fmt.Errorf("lambdainvoke: invoke %s: function error %q", c.function, aws.ToString(out.FunctionError))
	}
	if out.StatusCode != http.StatusAccepted {
		return fmt.Errorf("lambdainvoke: invoke %s: unexpected status %d", c.function, out.StatusCode)
	}
	return nil
}
