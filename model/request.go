package model

type WorkRequestType string

const NEW_RUN WorkRequestType = "NEW"
const RESUME_RUN WorkRequestType = "RESUME"
const RECOVER_RUN WorkRequestType = "RECOVER"

type WorkRequest struct {
	RunId       string
	RequestType WorkRequestType
}
