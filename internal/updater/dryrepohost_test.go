package updater

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/depbump/internal/githubclt"
	"github.com/simplesurance/depbump/internal/updater/mocks"
)

func TestDryRepoHostForwardsReadsOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	host := mocks.NewMockRepoHost(ctrl)

	host.EXPECT().
		FetchFile(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo), gomock.Eq("requirements.txt"), gomock.Eq("")).
		Return(&githubclt.File{Content: "flask", SHA: "blobsha"}, nil)
	host.EXPECT().
		DefaultBranch(gomock.Any(), gomock.Eq(repoOwner), gomock.Eq(repo)).
		Return(&githubclt.Branch{Name: "main", HeadSHA: "headsha"}, nil)

	dry := NewDryRepoHost(host, zaptest.NewLogger(t))
	ctx := context.Background()

	f, err := dry.FetchFile(ctx, repoOwner, repo, "requirements.txt", "")
	require.NoError(t, err)
	assert.Equal(t, "flask", f.Content)

	b, err := dry.DefaultBranch(ctx, repoOwner, repo)
	require.NoError(t, err)
	assert.Equal(t, "main", b.Name)

	require.NoError(t, dry.CreateBranch(ctx, repoOwner, repo, "update-dependencies-abc", "headsha"))

	_, err = dry.UpdateFile(ctx, repoOwner, repo, "update-dependencies-abc", "requirements.txt", "msg", "flask==2.3.0", "blobsha")
	require.NoError(t, err)

	url, err := dry.CreatePullRequest(ctx, repoOwner, repo, "update-dependencies-abc", "main", "title", "body")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/testman/repo/compare/main...update-dependencies-abc", url)
}

func TestDryRepoHostFactory(t *testing.T) {
	ctrl := gomock.NewController(t)
	host := mocks.NewMockRepoHost(ctrl)

	var token string
	f := DryRepoHostFactory(func(tk string) (RepoHost, error) {
		token = tk
		return host, nil
	}, zaptest.NewLogger(t))

	h, err := f("secret")
	require.NoError(t, err)
	assert.IsType(t, &DryRepoHost{}, h)
	assert.Equal(t, "secret", token)
}
