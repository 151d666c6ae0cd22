package mailer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderLinkChallenge(t *testing.T) {
	msg, err := RenderLinkChallenge("lea@example.com", LinkChallenge{
		DisplayName: "Léa",
		Phone:       "+33612345678",
		DeepLink:    "https://wa.me/33700000000?text=LINK%3Aabc",
		Token:       "abc",
		ExpiresAt:   time.Date(2025, 11, 8, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "lea@example.com", msg.To)
	assert.Contains(t, msg.HTML, "https://wa.me/33700000000?text=LINK%3Aabc")
	assert.Contains(t, msg.HTML, "LINK:abc")
	assert.Contains(t, msg.HTML, "08/11/2025")
	assert.NotContains(t, msg.HTML, "plusieurs demandes")
}

func TestRenderLinkChallenge_AmbiguousWording(t *testing.T) {
	msg, err := RenderLinkChallenge("a@example.com", LinkChallenge{Phone: "+33612345678", Token: "t", Ambiguous: true})
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "plusieurs demandes")
}

func TestRenderLinkChallenge_EscapesInput(t *testing.T) {
	msg, err := RenderLinkChallenge("a@example.com", LinkChallenge{DisplayName: "<script>x</script>", Token: "t"})
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "<script>")
}

func TestRenderPreviousOwnerAndSupport(t *testing.T) {
	msg, err := RenderPreviousOwnerNotice("old@example.com", PreviousOwnerNotice{Phone: "+33612345678", SupportEmail: "support@example.com"})
	require.NoError(t, err)
	assert.Contains(t, msg.HTML, "+33612345678")
	assert.Contains(t, msg.HTML, "support@example.com")

	msg, err = RenderSupportEscalation("support@example.com", SupportEscalation{Phone: "+33612345678", Reason: "plan introuvable"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(msg.Subject, "plan introuvable"))
	assert.Contains(t, msg.HTML, "(non lié)")
}

func TestBuildMIME(t *testing.T) {
	raw := string(buildMIME("coach@example.com", Message{To: "a@example.com", Subject: "Confirme ton numéro", HTML: "<p>x</p>\n"}))
	assert.Contains(t, raw, "From: coach@example.com\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.Contains(t, raw, "Content-Type: text/html")
	assert.True(t, strings.HasSuffix(raw, "<p>x</p>\r\n"))
}

func TestSMTPMailer_NotConfigured(t *testing.T) {
	err := NewSMTPMailer("", 0, "", "", "coach@example.com").Send(context.Background(), Message{To: "a@example.com"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLogMailer(t *testing.T) {
	m := NewLogMailer()
	require.NoError(t, m.Send(context.Background(), Message{To: "a@example.com", Subject: "s"}))
	sent := m.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "a@example.com", sent[0].To)
}
