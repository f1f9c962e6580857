package declaration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"efiling/internal/filing/models"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/requestcontext"
)

type GateSuite struct {
	suite.Suite
	gate    *Gate
	version string
}

func TestGateSuite(t *testing.T) {
	suite.Run(t, new(GateSuite))
}

func (s *GateSuite) SetupTest() {
	catalog, err := DefaultCatalog()
	s.Require().NoError(err)
	s.gate = NewGate(catalog)
	set, err := catalog.Lookup(models.FormITR1)
	s.Require().NoError(err)
	s.version = set.Version
}

func (s *GateSuite) TestCheckAccepted() {
	s.Run("all required accepted", func() {
		res, err := s.gate.CheckAccepted(models.FormITR1, s.version, []string{"capacity", "correctness"})
		s.Require().NoError(err)
		s.True(res.OK)
		s.Empty(res.Missing)
	})

	s.Run("optional items are not required", func() {
		res, err := s.gate.CheckAccepted(models.FormITR1, s.version, []string{"correctness"})
		s.Require().NoError(err)
		s.False(res.OK)
		s.Equal([]string{"capacity"}, res.Missing)
	})

	s.Run("unknown ids are reported but do not satisfy", func() {
		res, err := s.gate.CheckAccepted(models.FormITR1, s.version, []string{"correctness", "bogus"})
		s.Require().NoError(err)
		s.False(res.OK)
		s.Equal([]string{"bogus"}, res.Unknown)
	})

	s.Run("stale version accepts nothing", func() {
		res, err := s.gate.CheckAccepted(models.FormITR1, "2019.1", []string{"capacity", "correctness"})
		s.Require().NoError(err)
		s.False(res.OK)
		s.Equal([]string{"correctness", "capacity"}, res.Missing)
	})
}

type brokenSource struct{}

func (brokenSource) Lookup(models.FormType) (models.DeclarationSet, error) {
	return models.DeclarationSet{}, errors.New("disk on fire")
}

func (s *GateSuite) TestFailsClosed() {
	s.Run("source error", func() {
		res, err := NewGate(brokenSource{}).CheckAccepted(models.FormITR1, s.version, []string{"correctness", "capacity"})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeDeclarationsIncomplete))
		s.False(res.OK)
	})

	s.Run("no source", func() {
		var g *Gate
		res, err := g.CheckAccepted(models.FormITR1, s.version, nil)
		s.Require().Error(err)
		s.False(res.OK)
	})
}

func TestParseCatalog(t *testing.T) {
	t.Run("rejects a set with nothing required", func(t *testing.T) {
		_, err := ParseCatalog([]byte(`
sets:
  - form_type: ITR-1
    version: "1"
    declarations:
      - {id: a, text: "A", required: false}
`))
		require.Error(t, err)
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		_, err := ParseCatalog([]byte(`
sets:
  - form_type: ITR-1
    version: "1"
    declarations:
      - {id: a, text: "A", required: true}
      - {id: a, text: "B", required: true}
`))
		require.Error(t, err)
	})

	t.Run("embedded catalog has every form type", func(t *testing.T) {
		c, err := DefaultCatalog()
		require.NoError(t, err)
		assert.Len(t, c.Sets(), 4)
		set, err := c.Lookup(models.FormITR1)
		require.NoError(t, err)
		assert.Len(t, set.RequiredIDs(), 2)
	})
}

func TestKnown(t *testing.T) {
	c, err := DefaultCatalog()
	require.NoError(t, err)
	set, err := c.Lookup(models.FormITR1)
	require.NoError(t, err)
	assert.Equal(t, []string{"correctness", "capacity"}, Known(set, []string{"capacity", "x", "correctness", "capacity"}))
}

func TestEvidenceFromContext(t *testing.T) {
	now := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), now)

	t.Run("parses browser and platform", func(t *testing.T) {
		ua := "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0"
		ev := EvidenceFromContext(requestcontext.WithClientMetadata(ctx, "10.1.2.3", ua))
		assert.Equal(t, now, ev.AcceptedAt)
		assert.Equal(t, "10.1.2.3", ev.ClientIP)
		assert.Equal(t, "Firefox 121", ev.Browser)
		assert.Contains(t, ev.OS, "Linux")
		assert.False(t, ev.Mobile)
	})

	t.Run("mobile agent", func(t *testing.T) {
		ua := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
		ev := EvidenceFromContext(requestcontext.WithClientMetadata(ctx, "", ua))
		assert.True(t, ev.Mobile)
	})

	t.Run("no user agent", func(t *testing.T) {
		ev := EvidenceFromContext(ctx)
		assert.Empty(t, ev.Browser)
		assert.Equal(t, now, ev.AcceptedAt)
	})
}
