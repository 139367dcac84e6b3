package parking

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPurgeOwnerRefundsBookers(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	booker := store.seedAccount(test, "user-a", 100)
	owner := store.seedAccount(test, "user-b", 100)
	spotID := store.seedSpot(test, "spot-1", owner, 30)
	service := mustNewService(test, store)

	booking, err := service.Reserve(context.Background(), booker, spotID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	expectPoints(test, store, booker, 70)
	expectPoints(test, store, owner, 130)

	summary, err := service.PurgeAccount(context.Background(), owner)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	want := PurgeSummary{SpotsDeleted: 1, BookingsRefunded: 1, AccountDeleted: true}
	if diff := cmp.Diff(want, summary); diff != "" {
		test.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}
	expectPoints(test, store, booker, 100)
	if _, ok := store.spot(test, spotID); ok {
		test.Fatalf("expected spot to be deleted")
	}
	if stored := store.booking(test, booking.ID); stored.Status != BookingStatusCanceled {
		test.Fatalf("expected booking canceled, got %s", stored.Status)
	}
	if store.hasAccount(owner) {
		test.Fatalf("expected owner account to be deleted")
	}
}

func TestPurgeBookerReturnsPointsFromOwner(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	booker := store.seedAccount(test, "user-a", 100)
	owner := store.seedAccount(test, "user-b", 100)
	spotID := store.seedSpot(test, "spot-1", owner, 30)
	service := mustNewService(test, store)

	booking, err := service.Reserve(context.Background(), booker, spotID)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	summary, err := service.PurgeAccount(context.Background(), booker)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	want := PurgeSummary{BookingsReleased: 1, AccountDeleted: true}
	if diff := cmp.Diff(want, summary); diff != "" {
		test.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}
	expectPoints(test, store, owner, 100)
	spot, ok := store.spot(test, spotID)
	if !ok || !spot.Bookable {
		test.Fatalf("expected spot to be bookable again")
	}
	if stored := store.booking(test, booking.ID); stored.Status != BookingStatusCanceled {
		test.Fatalf("expected booking canceled, got %s", stored.Status)
	}
	store.assertMutexInvariant(test)
}

func TestPurgeTwiceDoesNotRefundAgain(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	booker := store.seedAccount(test, "user-a", 100)
	owner := store.seedAccount(test, "user-b", 100)
	spotID := store.seedSpot(test, "spot-1", owner, 30)
	publisher := &recorderPublisher{}
	service := mustNewService(test, store, WithEventPublisher(publisher))

	if _, err := service.Reserve(context.Background(), booker, spotID); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := service.PurgeAccount(context.Background(), owner); err != nil {
		test.Fatalf("first purge: %v", err)
	}
	summary, err := service.PurgeAccount(context.Background(), owner)
	if err != nil {
		test.Fatalf("second purge: %v", err)
	}
	if summary != (PurgeSummary{}) {
		test.Fatalf("expected empty summary on re-run, got %+v", summary)
	}
	expectPoints(test, store, booker, 100)
	purged := 0
	for _, event := range publisher.events {
		if event.Type == EventAccountPurged {
			purged++
		}
	}
	if purged != 1 {
		test.Fatalf("expected one purge event, got %d", purged)
	}
}

func TestPurgeResumesAfterPartialFailure(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	owner := store.seedAccount(test, "owner", 0)
	bookers := []UserID{
		store.seedAccount(test, "user-a", 100),
		store.seedAccount(test, "user-c", 100),
		store.seedAccount(test, "user-d", 100),
	}
	spots := []SpotID{
		store.seedSpot(test, "spot-1", owner, 10),
		store.seedSpot(test, "spot-2", owner, 20),
		store.seedSpot(test, "spot-3", owner, 30),
	}
	service := mustNewService(test, store, WithPurgeBatchSize(1))
	for index, booker := range bookers {
		if _, err := service.Reserve(context.Background(), booker, spots[index]); err != nil {
			test.Fatalf("reserve %d: %v", index, err)
		}
	}

	calls := 0
	crash := errors.New("crash")
	store.onCall("UpdateBookingStatus", func() error {
		calls++
		if calls == 2 {
			return crash
		}
		return nil
	})
	if _, err := service.PurgeAccount(context.Background(), owner); !errors.Is(err, crash) {
		test.Fatalf("expected crash, got %v", err)
	}
	expectPoints(test, store, bookers[0], 100)
	expectPoints(test, store, bookers[1], 80)
	expectPoints(test, store, bookers[2], 70)

	store.onCall("UpdateBookingStatus", nil)
	summary, err := service.PurgeAccount(context.Background(), owner)
	if err != nil {
		test.Fatalf("resumed purge: %v", err)
	}
	want := PurgeSummary{SpotsDeleted: 2, BookingsRefunded: 2, AccountDeleted: true}
	if diff := cmp.Diff(want, summary); diff != "" {
		test.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}
	for _, booker := range bookers {
		expectPoints(test, store, booker, 100)
	}
	for _, spotID := range spots {
		if _, ok := store.spot(test, spotID); ok {
			test.Fatalf("expected spot %s deleted", spotID)
		}
	}
}

func TestPurgeClampsOwnerDebit(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	booker := store.seedAccount(test, "user-a", 100)
	owner := store.seedAccount(test, "user-b", 0)
	spotID := store.seedSpot(test, "spot-1", owner, 30)
	service := mustNewService(test, store)

	if _, err := service.Reserve(context.Background(), booker, spotID); err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if err := store.DebitAccount(context.Background(), owner, mustPositivePoints(test, 20)); err != nil {
		test.Fatalf("owner spend: %v", err)
	}
	summary, err := service.PurgeAccount(context.Background(), booker)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if summary.BookingsReleased != 1 || summary.UnrecoveredPoints != 20 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
	expectPoints(test, store, owner, 0)
	store.assertMutexInvariant(test)
}

func TestPurgeUnknownAccountIsNoop(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)

	summary, err := service.PurgeAccount(context.Background(), mustUserID(test, "ghost"))
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	if summary != (PurgeSummary{}) {
		test.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestPurgeLeavesOtherUsersConsistent(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	alice := store.seedAccount(test, "alice", 100)
	bob := store.seedAccount(test, "bob", 100)
	carol := store.seedAccount(test, "carol", 100)
	bobSpot := store.seedSpot(test, "spot-bob", bob, 30)
	carolSpot := store.seedSpot(test, "spot-carol", carol, 25)
	service := mustNewService(test, store)

	if _, err := service.Reserve(context.Background(), alice, bobSpot); err != nil {
		test.Fatalf("alice reserve: %v", err)
	}
	if _, err := service.Reserve(context.Background(), bob, carolSpot); err != nil {
		test.Fatalf("bob reserve: %v", err)
	}
	summary, err := service.PurgeAccount(context.Background(), bob)
	if err != nil {
		test.Fatalf("purge: %v", err)
	}
	want := PurgeSummary{SpotsDeleted: 1, BookingsRefunded: 1, BookingsReleased: 1, AccountDeleted: true}
	if diff := cmp.Diff(want, summary); diff != "" {
		test.Fatalf("unexpected summary (-want +got):\n%s", diff)
	}
	expectPoints(test, store, alice, 100)
	expectPoints(test, store, carol, 100)
	store.assertMutexInvariant(test)
}
