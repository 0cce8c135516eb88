package email

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SendProjectInvite mails a single-use invitation to join a project.
// The accept link embeds the invite token.
func (c *Client) SendProjectInvite(to, projectName, role, token, baseURL string, expiresAt time.Time) error {
	subject := fmt.Sprintf("Invitation to join %s on GateKit", projectName)
	return c.Send(to, subject, inviteBody(projectName, role, token, baseURL, expiresAt))
}

// inviteBody renders the plain-text body for a project invite.
func inviteBody(projectName, role, token, baseURL string, expiresAt time.Time) string {
	accept := fmt.Sprintf("%s/accept-invite?token=%s",
		strings.TrimRight(baseURL, "/"), url.QueryEscape(token))

	var b strings.Builder
	fmt.Fprintf(&b, "You have been invited to join the project %q as %s.\r\n\r\n", projectName, role)
	fmt.Fprintf(&b, "Accept the invitation here:\r\n%s\r\n\r\n", accept)
	fmt.Fprintf(&b, "The invitation can be used once and expires on %s.\r\n",
		expiresAt.UTC().Format("2 Jan 2006 15:04 MST"))
	return b.String()
}
