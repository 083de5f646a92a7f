// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package architect

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/novelist/internal/errs"
	"github.com/pdiddy/novelist/internal/knowledge"
	"github.com/pdiddy/novelist/internal/llmtest"
	"github.com/pdiddy/novelist/internal/prompts"
	"github.com/pdiddy/novelist/internal/state"
	"github.com/pdiddy/novelist/pkg/types"
)

const sampleDoc = `## Premise
A courier must carry a sealed letter across a dried-up sea before the salt storms return.

## World
The Salt Flats were an ocean two centuries ago. Caravans travel by night between wells.

## Characters
- Mira Vale: courier, stubborn, starts in Port Hollow, sister of Oren
- **Oren Vale**: Mira's brother, scholar, starts in the Keep
- The Ferryman: ghost of the last ship captain [dead]

## Opening
Mira is handed the letter at dawn as the harbor bells ring.`

var project = types.Project{ID: "p1", Topic: "a courier crosses a dead sea", Genre: "fantasy", ChapterCount: 3, WordsPerChapter: 800}

func testPolicy() types.PolicyConfig {
	p := types.DefaultConfig().Policy
	p.MinArchitectureChars = 100
	return p
}

func TestGenerateStripsCommentary(t *testing.T) {
	gen := llmtest.NewGenerator().On(types.TaskArchitecture,
		llmtest.Text("Here is the architecture you asked for:\n\n"+sampleDoc+"\n\nI hope this helps!"))
	g := New(gen, llmtest.NewEmbedder(), prompts.Default(), testPolicy(), 200, nil)

	doc, err := g.Generate(context.Background(), project)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc.Content, "## Premise"))
	assert.True(t, strings.HasSuffix(doc.Content, "harbor bells ring."))
	assert.Equal(t, "p1", doc.ProjectID)
}

func TestGenerateRetriesShortOutput(t *testing.T) {
	gen := llmtest.NewGenerator().On(types.TaskArchitecture, llmtest.Text("## Premise\nToo short."), llmtest.Text(sampleDoc))
	g := New(gen, llmtest.NewEmbedder(), prompts.Default(), testPolicy(), 200, nil)

	_, err := g.Generate(context.Background(), project)
	require.NoError(t, err)

	calls := gen.Calls(types.TaskArchitecture)
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "Include more world detail")
	assert.Contains(t, calls[1].Prompt, "Include more world detail")
}

func TestGenerateExhaustsRetries(t *testing.T) {
	gen := llmtest.NewGenerator().On(types.TaskArchitecture, llmtest.Text(""))
	policy := testPolicy()
	policy.ArchitectureRetries = 2
	g := New(gen, llmtest.NewEmbedder(), prompts.Default(), policy, 200, nil)

	_, err := g.Generate(context.Background(), project)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Configuration))
	assert.Equal(t, 3, gen.Count(types.TaskArchitecture))
}

func TestGeneratePassesTransportErrors(t *testing.T) {
	boom := errs.New(errs.Transport, "generate", errors.New("after 5 attempts: 503"))
	gen := llmtest.NewGenerator().On(types.TaskArchitecture, llmtest.Fail(boom))
	g := New(gen, llmtest.NewEmbedder(), prompts.Default(), testPolicy(), 200, nil)

	_, err := g.Generate(context.Background(), project)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, gen.Count(types.TaskArchitecture))
}

func TestCharacters(t *testing.T) {
	roster := Characters(sampleDoc)
	require.Len(t, roster, 3)

	assert.Equal(t, "mira-vale", roster[0].ID)
	assert.Equal(t, "Mira Vale", roster[0].Name)
	assert.Equal(t, []string{types.FlagAlive}, roster[0].Status)
	assert.Equal(t, 0, roster[0].Chapter)

	assert.Equal(t, "oren-vale", roster[1].ID)
	assert.Equal(t, "the-ferryman", roster[2].ID)
	assert.True(t, roster[2].HasFlag(types.FlagDead))
	assert.Equal(t, []string{"ghost of the last ship captain"}, roster[2].Traits)

	assert.Empty(t, Characters("## Premise\nno cast"))
}

func TestEnsurePersistsAndSeeds(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Update(ctx, project.ID, func(tx *state.Tx) error { return tx.CreateProject(project) }))

	ks, err := knowledge.NewStore(t.TempDir())
	require.NoError(t, err)
	defer ks.Close()
	ns := ks.Namespace(project.ID)

	gen := llmtest.NewGenerator().On(types.TaskArchitecture, llmtest.Text(sampleDoc))
	emb := llmtest.NewEmbedder()
	g := New(gen, emb, prompts.Default(), testPolicy(), 200, nil)

	doc, err := g.Ensure(ctx, store, ns, project)
	require.NoError(t, err)
	assert.True(t, doc.Seeded)

	stored, ok, err := store.Architecture(ctx, project.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, stored.Seeded)

	chars, err := store.CharactersAsOf(ctx, project.ID, 0)
	require.NoError(t, err)
	assert.Len(t, chars, 3)

	n, err := ns.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one chunk per section")

	hits, err := ns.Query(ctx, llmtest.Vector("salt storms sealed letter"), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, types.SourceArchitecture, hits[0].Source)
	assert.Equal(t, 0, hits[0].Chapter)

	// A second call reuses the stored document.
	_, err = g.Ensure(ctx, store, ns, project)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.Count(types.TaskArchitecture))
}

func TestEnsureResumesSeeding(t *testing.T) {
	ctx := context.Background()
	store, err := state.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Update(ctx, project.ID, func(tx *state.Tx) error {
		if err := tx.CreateProject(project); err != nil {
			return err
		}
		return tx.PutArchitecture(types.ArchitectureDocument{ProjectID: project.ID, Content: sampleDoc})
	}))

	ks, err := knowledge.NewStore(t.TempDir())
	require.NoError(t, err)
	defer ks.Close()

	gen := llmtest.NewGenerator()
	emb := llmtest.NewEmbedder()
	g := New(gen, emb, prompts.Default(), testPolicy(), 200, nil)

	doc, err := g.Ensure(ctx, store, ks.Namespace(project.ID), project)
	require.NoError(t, err)
	assert.True(t, doc.Seeded)
	assert.Zero(t, gen.Count(""), "no regeneration")
	assert.Equal(t, 4, emb.Calls())
}
