package domain

import (
	"strings"

	"github.com/diagnosis/wa-relay/internal/utils"
)

type ApplicationStatus string

const (
	ApplicationAccepted ApplicationStatus = "accepted"
	ApplicationRejected ApplicationStatus = "rejected"
)

func ParseApplicationStatus(s string) (ApplicationStatus, bool) {
	switch ApplicationStatus(strings.ToLower(s)) {
	case ApplicationAccepted, ApplicationRejected:
		return ApplicationStatus(strings.ToLower(s)), true
	default:
		return "", false
	}
}

type InterviewType string

const (
	InterviewOnline  InterviewType = "online"
	InterviewOffline InterviewType = "offline"
)

func ParseInterviewType(s string) (InterviewType, bool) {
	switch InterviewType(strings.ToLower(s)) {
	case InterviewOnline, InterviewOffline:
		return InterviewType(strings.ToLower(s)), true
	default:
		return "", false
	}
}

type ApplicationNotification struct {
	PhoneNumber   string            `json:"phoneNumber"`
	ApplicantName string            `json:"applicantName"`
	JobTitle      string            `json:"jobTitle"`
	CompanyName   string            `json:"companyName"`
	Status        ApplicationStatus `json:"status"`
	Notes         string            `json:"notes,omitempty"`
}

func (n *ApplicationNotification) Normalize() {
	n.PhoneNumber = utils.NormalizeString(n.PhoneNumber)
	n.ApplicantName = utils.NormalizeString(n.ApplicantName)
	n.JobTitle = utils.NormalizeString(n.JobTitle)
	n.CompanyName = utils.NormalizeString(n.CompanyName)
	n.Status = ApplicationStatus(strings.ToLower(utils.NormalizeString(string(n.Status))))
	n.Notes = utils.NormalizeString(n.Notes)
}

func (n *ApplicationNotification) Validate() error {
	switch {
	case n.PhoneNumber == "":
		return InvalidInput("phoneNumber is required")
	case n.ApplicantName == "":
		return InvalidInput("applicantName is required")
	case n.JobTitle == "":
		return InvalidInput("jobTitle is required")
	case n.CompanyName == "":
		return InvalidInput("companyName is required")
	}
	if _, ok := ParseApplicationStatus(string(n.Status)); !ok {
		return InvalidInput("status must be accepted or rejected")
	}
	return nil
}

type InterviewNotification struct {
	PhoneNumber   string        `json:"phoneNumber"`
	ApplicantName string        `json:"applicantName"`
	JobTitle      string        `json:"jobTitle"`
	CompanyName   string        `json:"companyName"`
	InterviewDate string        `json:"interviewDate"`
	InterviewTime string        `json:"interviewTime"`
	InterviewType InterviewType `json:"interviewType"`
	Location      string        `json:"location,omitempty"`
	MeetingLink   string        `json:"meetingLink,omitempty"`
	Notes         string        `json:"notes,omitempty"`
}

func (n *InterviewNotification) Normalize() {
	n.PhoneNumber = utils.NormalizeString(n.PhoneNumber)
	n.ApplicantName = utils.NormalizeString(n.ApplicantName)
	n.JobTitle = utils.NormalizeString(n.JobTitle)
	n.CompanyName = utils.NormalizeString(n.CompanyName)
	n.InterviewDate = utils.NormalizeString(n.InterviewDate)
	n.InterviewTime = utils.NormalizeString(n.InterviewTime)
	n.InterviewType = InterviewType(strings.ToLower(utils.NormalizeString(string(n.InterviewType))))
	n.Location = utils.NormalizeString(n.Location)
	n.MeetingLink = utils.NormalizeString(n.MeetingLink)
	n.Notes = utils.NormalizeString(n.Notes)
}

func (n *InterviewNotification) Validate() error {
	switch {
	case n.PhoneNumber == "":
		return InvalidInput("phoneNumber is required")
	case n.ApplicantName == "":
		return InvalidInput("applicantName is required")
	case n.JobTitle == "":
		return InvalidInput("jobTitle is required")
	case n.CompanyName == "":
		return InvalidInput("companyName is required")
	case n.InterviewDate == "":
		return InvalidInput("interviewDate is required")
	case n.InterviewTime == "":
		return InvalidInput("interviewTime is required")
	}
	t, ok := ParseInterviewType(string(n.InterviewType))
	if !ok {
		return InvalidInput("interviewType must be online or offline")
	}
	if t == InterviewOnline && n.MeetingLink == "" {
		return InvalidInput("meetingLink is required for online interviews")
	}
	if t == InterviewOffline && n.Location == "" {
		return InvalidInput("location is required for offline interviews")
	}
	return nil
}
