package sqlite

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/kiln/internal/domain"
)

func TestWebhookEventRepository_Save_Insert(t *testing.T) {
	repo := setupTestDB(t).WebhookEventRepository()

	event, err := domain.NewWebhookEvent("push", "delivery-1", `{"ref":"refs/heads/main"}`, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Save(event))
	require.Greater(t, event.ID, int64(0), "Save should assign an ID")

	found, err := repo.FindByDeliveryID("delivery-1")
	require.NoError(t, err)
	require.Equal(t, "push", found.EventType)
	require.Equal(t, `{"ref":"refs/heads/main"}`, found.Payload)
	require.Equal(t, domain.WebhookEventPending, found.Status)
	require.False(t, found.SignatureValid)
	require.Empty(t, found.ProjectID)
	require.Nil(t, found.ProcessedAt)
}

func TestWebhookEventRepository_Save_DuplicateDelivery(t *testing.T) {
	repo := setupTestDB(t).WebhookEventRepository()

	first, err := domain.NewWebhookEvent("push", "delivery-1", "{}", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Save(first))

	second, err := domain.NewWebhookEvent("push", "delivery-1", "{}", time.Now().UTC())
	require.NoError(t, err)
	err = repo.Save(second)
	require.Error(t, err, "Save should reject a replayed delivery id")

	var dup *domain.DuplicateDeliveryError
	require.True(t, errors.As(err, &dup), "Error should be DuplicateDeliveryError")
	require.Equal(t, "delivery-1", dup.DeliveryID)
}

func TestWebhookEventRepository_Save_Update(t *testing.T) {
	db := setupTestDB(t)
	repo := db.WebhookEventRepository()

	project := newTestProject(t, "blinky")
	require.NoError(t, db.ProjectRepository().Save(project))

	event, err := domain.NewWebhookEvent("push", "delivery-1", "{}", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Save(event))

	event.ProjectID = project.ID()
	event.SignatureValid = true
	event.MarkProcessing()
	require.NoError(t, repo.Save(event))
	event.MarkSuccess(time.Now().UTC())
	require.NoError(t, repo.Save(event))

	found, err := repo.FindByDeliveryID("delivery-1")
	require.NoError(t, err)
	require.Equal(t, project.ID(), found.ProjectID)
	require.True(t, found.SignatureValid)
	require.Equal(t, domain.WebhookEventSuccess, found.Status)
	require.NotNil(t, found.ProcessedAt, "ProcessedAt should be stamped")
}

func TestWebhookEventRepository_Save_FailedWithMessage(t *testing.T) {
	repo := setupTestDB(t).WebhookEventRepository()

	event, err := domain.NewWebhookEvent("pull_request", "delivery-2", "{}", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Save(event))

	event.MarkFailed(time.Now().UTC(), "unknown repository acme/ghost")
	require.NoError(t, repo.Save(event))

	found, err := repo.FindByDeliveryID("delivery-2")
	require.NoError(t, err)
	require.Equal(t, domain.WebhookEventFailed, found.Status)
	require.Equal(t, "unknown repository acme/ghost", found.ErrorMessage)
}

func TestWebhookEventRepository_FindByDeliveryID_NotFound(t *testing.T) {
	repo := setupTestDB(t).WebhookEventRepository()

	_, err := repo.FindByDeliveryID("no-such-delivery")
	require.Error(t, err)

	var notFound *domain.WebhookEventNotFoundError
	require.True(t, errors.As(err, &notFound), "Error should be WebhookEventNotFoundError")
	require.Equal(t, "no-such-delivery", notFound.DeliveryID)
}

func TestWebhookEventRepository_ListRecent(t *testing.T) {
	repo := setupTestDB(t).WebhookEventRepository()

	for i := 0; i < 5; i++ {
		event, err := domain.NewWebhookEvent("push", fmt.Sprintf("delivery-%d", i), "{}", time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, repo.Save(event))
	}

	events, err := repo.ListRecent(3)
	require.NoError(t, err)
	require.Len(t, events, 3, "Limit should cap the result")
	require.Equal(t, "delivery-4", events[0].DeliveryID, "Most recent delivery should be first")
	require.Equal(t, "delivery-3", events[1].DeliveryID)

	all, err := repo.ListRecent(0)
	require.NoError(t, err)
	require.Len(t, all, 5, "Zero limit should return everything")
}

func TestWebhookEventRepository_ProjectDeleteClearsReference(t *testing.T) {
	db := setupTestDB(t)
	repo := db.WebhookEventRepository()

	project := newTestProject(t, "blinky")
	require.NoError(t, db.ProjectRepository().Save(project))

	event, err := domain.NewWebhookEvent("push", "delivery-1", "{}", time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, repo.Save(event))
	event.ProjectID = project.ID()
	require.NoError(t, repo.Save(event))

	require.NoError(t, db.ProjectRepository().Delete(project.ID()))

	found, err := repo.FindByDeliveryID("delivery-1")
	require.NoError(t, err, "Delivery history should survive project removal")
	require.Empty(t, found.ProjectID, "Project reference should be cleared")
}
