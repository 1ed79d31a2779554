package provider

import (
	"encoding/json"

	"github.com/teresa-solution/integration-isolation-service/internal/mcp"
)

func schema(s string) json.RawMessage { return json.RawMessage(s) }

var gmailTools = []mcp.Tool{
	{
		Name:        "gmail_list_emails",
		Description: "List emails from Gmail inbox",
		InputSchema: schema(`{"type":"object","properties":{"max_results":{"type":"number","description":"Maximum number of emails to return","default":10}}}`),
	},
	{
		Name:        "gmail_read_email",
		Description: "Read the full content of a specific Gmail email",
		InputSchema: schema(`{"type":"object","properties":{"email_id":{"type":"string","description":"The ID of the email to read"}},"required":["email_id"]}`),
	},
}

var driveTools = []mcp.Tool{
	{
		Name:        "drive_list_files",
		Description: "List files in Google Drive",
		InputSchema: schema(`{"type":"object","properties":{"max_results":{"type":"number","description":"Maximum number of files to return","default":10}}}`),
	},
	{
		Name:        "drive_read_file",
		Description: "Read the content of a Google Drive file",
		InputSchema: schema(`{"type":"object","properties":{"file_id":{"type":"string","description":"The ID of the file to read"}},"required":["file_id"]}`),
	},
}

var outlookTools = []mcp.Tool{
	{
		Name:        "outlook_list_emails",
		Description: "List emails from Outlook inbox with optional filtering by subject, sender, or date range",
		InputSchema: schema(`{"type":"object","properties":{"max_results":{"type":"number","description":"Maximum number of emails to return (default: 10)","default":10},"subject_filter":{"type":"string","description":"Filter emails by subject containing this text"},"from_filter":{"type":"string","description":"Filter emails from this sender"}}}`),
	},
	{
		Name:        "outlook_read_email",
		Description: "Read the full content of a specific email by ID",
		InputSchema: schema(`{"type":"object","properties":{"email_id":{"type":"string","description":"The ID of the email to read"}},"required":["email_id"]}`),
	},
	{
		Name:        "outlook_search_emails",
		Description: "Search emails by keyword in subject or body",
		InputSchema: schema(`{"type":"object","properties":{"query":{"type":"string","description":"Search query text"},"max_results":{"type":"number","description":"Maximum results to return","default":10}},"required":["query"]}`),
	},
	{
		Name:        "outlook_list_calendar_events",
		Description: "List upcoming calendar events",
		InputSchema: schema(`{"type":"object","properties":{"max_results":{"type":"number","description":"Maximum number of events to return","default":10},"days_ahead":{"type":"number","description":"Number of days ahead to look for events","default":7}}}`),
	},
}
