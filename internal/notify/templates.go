package notify

import (
	"fmt"
	"strings"

	"github.com/diagnosis/wa-relay/internal/domain"
)

// ApplicationMessage renders the application status update.
func ApplicationMessage(n domain.ApplicationNotification, appName string) string {
	var b strings.Builder

	if n.Status == domain.ApplicationAccepted {
		fmt.Fprintf(&b, "🎉 *Congratulations, %s!*\n\n", n.ApplicantName)
		fmt.Fprintf(&b, "Your application for *%s* at *%s* has been *accepted*.\n\n", n.JobTitle, n.CompanyName)
		b.WriteString("The hiring team will contact you soon with the next steps.\n")
	} else {
		fmt.Fprintf(&b, "*Application Update*\n\nDear %s,\n\n", n.ApplicantName)
		fmt.Fprintf(&b, "Thank you for your interest in the *%s* position at *%s*. ", n.JobTitle, n.CompanyName)
		b.WriteString("We regret to inform you that your application was not selected to move forward.\n\n")
		b.WriteString("We encourage you to keep applying for other opportunities that match your skills.\n")
	}

	writeNotes(&b, n.Notes)
	writeSignature(&b, appName)
	return b.String()
}

// InterviewMessage renders an interview invitation.
func InterviewMessage(n domain.InterviewNotification, appName string) string {
	var b strings.Builder

	b.WriteString("📅 *Interview Invitation*\n\n")
	fmt.Fprintf(&b, "Hello %s,\n\n", n.ApplicantName)
	fmt.Fprintf(&b, "You are invited to an interview for *%s* at *%s*.\n\n", n.JobTitle, n.CompanyName)
	fmt.Fprintf(&b, "🗓 Date: %s\n", n.InterviewDate)
	fmt.Fprintf(&b, "⏰ Time: %s\n", n.InterviewTime)

	if n.InterviewType == domain.InterviewOnline {
		b.WriteString("💻 Type: Online\n")
		fmt.Fprintf(&b, "🔗 Meeting link: %s\n", n.MeetingLink)
	} else {
		b.WriteString("🏢 Type: Offline\n")
		fmt.Fprintf(&b, "📍 Location: %s\n", n.Location)
	}

	writeNotes(&b, n.Notes)
	b.WriteString("\nPlease be on time. Good luck!\n")
	writeSignature(&b, appName)
	return b.String()
}

func writeNotes(b *strings.Builder, notes string) {
	if notes != "" {
		fmt.Fprintf(b, "\n📝 Notes: %s\n", notes)
	}
}

func writeSignature(b *strings.Builder, appName string) {
	if appName != "" {
		fmt.Fprintf(b, "\n_%s_", appName)
	}
}
