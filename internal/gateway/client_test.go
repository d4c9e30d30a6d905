package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mezgeb/mezgeb/internal/fakeapi"
	"github.com/mezgeb/mezgeb/internal/gateway"
	"github.com/mezgeb/mezgeb/internal/schema"
)

func setupClient(t *testing.T) (*fakeapi.Server, *gateway.Client, string) {
	t.Helper()
	srv := fakeapi.New()
	t.Cleanup(srv.Close)

	userID, token := srv.SeedUser("0911000000", "secret", "abebe")
	client := gateway.New(srv.URL(), gateway.WithTimeout(5*time.Second)).WithToken(token)
	return srv, client, userID
}

func TestClient_ExpenseLifecycle(t *testing.T) {
	srv, client, userID := setupClient(t)
	ctx := context.Background()
	catID := srv.SeedCategory(userID, "", "Transport", "🚕")

	raw, err := client.CreateExpense(ctx, &schema.Expense{
		Amount:     decimal.NewFromInt(50),
		Reason:     "Taxi",
		CategoryID: schema.Ref(catID),
		Date:       time.Date(2026, 1, 10, 7, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	var created schema.Expense
	require.NoError(t, json.Unmarshal(raw, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, schema.Ref(userID), created.UserID)
	assert.True(t, created.Scope().IsPersonal())

	list, err := client.ListExpenses(ctx, schema.ExpenseFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)

	var listed schema.Expense
	require.NoError(t, json.Unmarshal(list[0], &listed))
	assert.Equal(t, schema.Ref(catID), listed.CategoryID, "populated categoryId decodes to its id")

	reason := "Bus"
	raw, err = client.UpdateExpense(ctx, created.ID, schema.ExpenseUpdate{Reason: &reason})
	require.NoError(t, err)
	var updated schema.Expense
	require.NoError(t, json.Unmarshal(raw, &updated))
	assert.Equal(t, "Bus", updated.Reason)

	require.NoError(t, client.DeleteExpense(ctx, created.ID))
	list, err = client.ListExpenses(ctx, schema.ExpenseFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestClient_ListExpensesFiltersAndOrders(t *testing.T) {
	srv, client, userID := setupClient(t)
	ctx := context.Background()
	catID := srv.SeedCategory(userID, "", "Food", "🍔")

	for i, reason := range []string{"Lunch", "Dinner", "Coffee"} {
		_, err := client.CreateExpense(ctx, &schema.Expense{
			Amount:     decimal.NewFromInt(int64(10 * (i + 1))),
			Reason:     reason,
			CategoryID: schema.Ref(catID),
			Date:       time.Date(2026, 1, 10+i, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	list, err := client.ListExpenses(ctx, schema.ExpenseFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	var first schema.Expense
	require.NoError(t, json.Unmarshal(list[0], &first))
	assert.Equal(t, "Coffee", first.Reason, "newest first")

	min := decimal.NewFromInt(15)
	list, err = client.ListExpenses(ctx, schema.ExpenseFilter{AmountMin: &min, Search: "DIN"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestClient_ErrorClassification(t *testing.T) {
	srv, client, _ := setupClient(t)
	ctx := context.Background()

	t.Run("unauthorized", func(t *testing.T) {
		_, err := client.WithToken("bogus").ListGroups(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, gateway.ErrUnauthorized)

		var gwErr *gateway.Error
		require.True(t, errors.As(err, &gwErr))
		assert.Equal(t, http.StatusUnauthorized, gwErr.Status)
		assert.Equal(t, "Please authenticate.", gwErr.Message)
	})

	t.Run("rejected keeps server message", func(t *testing.T) {
		_, err := client.CreateExpense(ctx, &schema.Expense{Reason: "x", Date: time.Now()})
		require.Error(t, err)
		assert.ErrorIs(t, err, gateway.ErrServerRejected)
		assert.Contains(t, err.Error(), "Expense validation failed")
	})

	t.Run("server error", func(t *testing.T) {
		srv.FailNext(http.StatusInternalServerError, "boom")
		_, err := client.ListGroups(ctx)
		assert.ErrorIs(t, err, gateway.ErrServerError)
		assert.False(t, gateway.IsOffline(err))
	})

	t.Run("network unavailable", func(t *testing.T) {
		srv.SetOffline(true)
		defer srv.SetOffline(false)

		_, err := client.ListGroups(ctx)
		assert.ErrorIs(t, err, gateway.ErrNetworkUnavailable)
		assert.True(t, gateway.IsOffline(err))
		assert.Error(t, client.Ping(ctx))
	})

	t.Run("cancelled context is not an outage", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.ListGroups(cctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, gateway.IsOffline(err))
	})
}

func TestClient_UnreachableHost(t *testing.T) {
	client := gateway.New("http://127.0.0.1:1", gateway.WithTimeout(time.Second))
	err := client.Ping(context.Background())
	assert.ErrorIs(t, err, gateway.ErrNetworkUnavailable)
}

func TestClient_CreateRawIdempotency(t *testing.T) {
	srv, client, userID := setupClient(t)
	ctx := context.Background()
	catID := srv.SeedCategory(userID, "", "Transport", "🚕")

	body := json.RawMessage(`{"amount":50,"reason":"Taxi","categoryId":"` + catID + `","date":"2026-01-10T07:00:00Z"}`)

	first, err := client.CreateRaw(ctx, schema.ResourceExpenses, body, "pending_1")
	require.NoError(t, err)
	second, err := client.CreateRaw(ctx, schema.ResourceExpenses, body, "pending_1")
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, 1, srv.CreateCount("expenses"))

	_, err = client.CreateRaw(ctx, schema.ResourceGroups, body, "")
	assert.Error(t, err)
}

func TestClient_AuthAndGroups(t *testing.T) {
	srv := fakeapi.New()
	t.Cleanup(srv.Close)
	ctx := context.Background()
	anon := gateway.New(srv.URL())

	sess, err := anon.Register(ctx, gateway.RegisterRequest{Phone: "0911", Password: "pw", Username: "abebe"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)

	_, err = anon.Login(ctx, "0911", "wrong")
	assert.ErrorIs(t, err, gateway.ErrUnauthorized)

	sess, err = anon.Login(ctx, "0911", "pw")
	require.NoError(t, err)
	alice := anon.WithToken(sess.Token)
	assert.Empty(t, anon.Token(), "WithToken must not mutate the receiver")

	me, err := alice.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abebe", me.Username)

	me, err = alice.UpdateSettings(ctx, map[string]any{"darkMode": true})
	require.NoError(t, err)
	assert.Equal(t, true, me.Settings["darkMode"])

	raw, err := alice.CreateGroup(ctx, "Home", "conn-1")
	require.NoError(t, err)
	var g schema.Group
	require.NoError(t, json.Unmarshal(raw, &g))

	partner, err := anon.Register(ctx, gateway.RegisterRequest{Phone: "0922", Password: "pw", Username: "kebede"})
	require.NoError(t, err)
	bob := anon.WithToken(partner.Token)

	raw, err = bob.JoinGroup(ctx, "0911", "conn-1")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &g))
	assert.Len(t, g.Members, 2)

	_, err = bob.JoinGroup(ctx, "0911", "wrong")
	assert.ErrorIs(t, err, gateway.ErrServerRejected)

	msg, err := bob.LeaveGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Left the group successfully", msg)

	msg, err = alice.LeaveGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, "Group deleted", msg)
}
