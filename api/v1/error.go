package api_v1

import (
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	status "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

func withMessage(st *status.Status, msg string) *status.Status {
	d := &errdetails.LocalizedMessage{
		Locale:  "en-US",
		Message: msg,
	}
	std, err := st.WithDetails(d)
	if err != nil {
		return st
	}
	return std
}

type AuthenticationError struct {
	Reason string
}

func (e AuthenticationError) GRPCStatus() *status.Status {
	msg := fmt.Sprintf("request not authenticated: %s", e.Reason)
	return withMessage(status.New(codes.Unauthenticated, msg), msg)
}

func (e AuthenticationError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type RunNotFoundError struct {
	RunId string
}

func (e RunNotFoundError) GRPCStatus() *status.Status {
	msg := fmt.Sprintf("workflow run %s not found", e.RunId)
	st := status.New(codes.NotFound, msg)
	std, err := st.WithDetails(
		&errdetails.ResourceInfo{ResourceType: "workflow_run", ResourceName: e.RunId},
		&errdetails.LocalizedMessage{Locale: "en-US", Message: msg},
	)
	if err != nil {
		return st
	}
	return std
}

func (e RunNotFoundError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type UnknownDefinitionError struct {
	Name string
}

func (e UnknownDefinitionError) GRPCStatus() *status.Status {
	msg := fmt.Sprintf("workflow definition %s not registered", e.Name)
	st := status.New(codes.InvalidArgument, msg)
	std, err := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{{Field: "definitionName", Description: msg}},
	})
	if err != nil {
		return st
	}
	return std
}

func (e UnknownDefinitionError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type InvalidRequestError struct {
	Field   string
	Message string
}

func (e InvalidRequestError) GRPCStatus() *status.Status {
	msg := fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	st := status.New(codes.InvalidArgument, msg)
	std, err := st.WithDetails(&errdetails.BadRequest{
		FieldViolations: []*errdetails.BadRequest_FieldViolation{{Field: e.Field, Description: e.Message}},
	})
	if err != nil {
		return st
	}
	return std
}

func (e InvalidRequestError) Error() string {
	return e.GRPCStatus().Err().Error()
}

// OverloadedError is returned when the dispatcher cannot accept more work.
type OverloadedError struct {
	RetryAfter time.Duration
}

func (e OverloadedError) GRPCStatus() *status.Status {
	msg := "dispatcher queue is full"
	st := status.New(codes.ResourceExhausted, msg)
	std, err := st.WithDetails(
		&errdetails.RetryInfo{RetryDelay: durationpb.New(e.RetryAfter)},
		&errdetails.LocalizedMessage{Locale: "en-US", Message: msg},
	)
	if err != nil {
		return st
	}
	return std
}

func (e OverloadedError) Error() string {
	return e.GRPCStatus().Err().Error()
}

type StorageLayerError struct{}

func (e StorageLayerError) GRPCStatus() *status.Status {
	msg := "error in underline storage layer"
	return withMessage(status.New(codes.Internal, msg), msg)
}

func (e StorageLayerError) Error() string {
	return e.GRPCStatus().Err().Error()
}
