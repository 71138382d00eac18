package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"reportkit/api/internal/assembly"
	"reportkit/api/internal/store"
)

const (
	gitBranch   = "main"
	htmlFile    = "report.html"
	summaryFile = "report.json"
)

// Commit is one published revision of a report repository.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// Publication is the metadata written next to the published HTML.
type Publication struct {
	ReportID    string `json:"report_id"`
	Title       string `json:"title"`
	Version     int    `json:"version"`
	Template    string `json:"template"`
	ContentHash string `json:"content_hash"`
	ForkedFrom  string `json:"forked_from,omitempty"`
}

// GitPublisher commits each published report version into a per-report
// repository under baseDir and tags it v<version>.
type GitPublisher struct {
	baseDir string
	builder Builder
	now     func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewGitPublisher(baseDir string, builder Builder) *GitPublisher {
	return &GitPublisher{
		baseDir: baseDir,
		builder: builder,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Publish returns "git:<short hash>". Publishing an unchanged version again
// still records a commit so every succeeded job has its own reference.
func (p *GitPublisher) Publish(ctx context.Context, snapshot store.Snapshot, _ string) (string, error) {
	doc, _, err := p.builder.Build(ctx, snapshot, assembly.Options{RenderedAt: p.now()})
	if err != nil {
		return "", fmt.Errorf("assemble report: %w", err)
	}

	reportID := snapshot.Report.ID
	lock := p.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := p.openOrInit(reportID)
	if err != nil {
		return "", err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	publication := Publication{
		ReportID:    reportID,
		Title:       snapshot.Report.Title,
		Version:     snapshot.Report.Version,
		Template:    fmt.Sprintf("%s v%d", snapshot.Template.Name, snapshot.Template.Version),
		ContentHash: doc.ContentHash,
	}
	if snapshot.Report.ForkedFrom != nil {
		publication.ForkedFrom = *snapshot.Report.ForkedFrom
	}
	payload, err := json.MarshalIndent(publication, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal publication: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, summaryFile), append(payload, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", summaryFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, htmlFile), []byte(doc.HTML), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", htmlFile, err)
	}
	for _, name := range []string{summaryFile, htmlFile} {
		if _, err := worktree.Add(name); err != nil {
			return "", fmt.Errorf("git add %s: %w", name, err)
		}
	}

	author := snapshot.Report.OwnerID
	hash, err := worktree.Commit(fmt.Sprintf("Publish %s v%d", snapshot.Report.Title, snapshot.Report.Version), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            signature(author, p.now()),
	})
	if err != nil {
		return "", fmt.Errorf("commit publication: %w", err)
	}

	tag := fmt.Sprintf("v%d", snapshot.Report.Version)
	_, err = repo.CreateTag(tag, hash, &git.CreateTagOptions{
		Tagger:  signature("reportkit", p.now()),
		Message: tag,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return "", fmt.Errorf("create tag: %w", err)
	}

	return "git:" + hash.String()[:7], nil
}

// History lists the newest commits of a report repository first.
func (p *GitPublisher) History(reportID string, limit int) ([]Commit, error) {
	lock := p.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(p.repoPath(reportID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(gitBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", gitBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	commits := []Commit{}
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, Commit{
			Hash:      c.Hash.String()[:7],
			Message:   c.Message,
			Author:    c.Author.Name,
			CreatedAt: c.Author.When,
		})
		if limit > 0 && len(commits) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return commits, nil
}

// PublicationAt reads the metadata committed at a tag or hash.
func (p *GitPublisher) PublicationAt(reportID, revision string) (Publication, error) {
	lock := p.reportLock(reportID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(p.repoPath(reportID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Publication{}, ErrNoPublication
	}
	if err != nil {
		return Publication{}, fmt.Errorf("open repo: %w", err)
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return Publication{}, fmt.Errorf("resolve revision %s: %w", revision, ErrNoPublication)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return Publication{}, fmt.Errorf("read commit %s: %w", revision, err)
	}
	file, err := commit.File(summaryFile)
	if err != nil {
		return Publication{}, fmt.Errorf("load %s from commit: %w", summaryFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Publication{}, fmt.Errorf("read %s: %w", summaryFile, err)
	}
	var publication Publication
	if err := json.Unmarshal([]byte(contents), &publication); err != nil {
		return Publication{}, fmt.Errorf("decode publication: %w", err)
	}
	return publication, nil
}

func (p *GitPublisher) openOrInit(reportID string) (*git.Repository, error) {
	path := p.repoPath(reportID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(gitBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", gitBranch, err)
	}
	return repo, nil
}

func (p *GitPublisher) repoPath(reportID string) string {
	return filepath.Join(p.baseDir, reportID)
}

func (p *GitPublisher) reportLock(reportID string) *sync.Mutex {
	p.lockMu.Lock()
	defer p.lockMu.Unlock()
	lock, ok := p.locks[reportID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[reportID] = lock
	}
	return lock
}

func signature(name string, when time.Time) *object.Signature {
	return &object.Signature{
		Name:  name,
		Email: sanitizeEmail(name) + "@reportkit.local",
		When:  when,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		case r == ' ' || r == '-' || r == '_':
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
