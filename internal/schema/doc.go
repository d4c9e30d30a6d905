// Package schema defines the records exchanged between the local cache,
// the remote API, and the rest of the client.
//
// # Records
//
// Every cached document is a [Record]: an id, the resource collection it
// belongs to, a sync status, the derived scope, and the verbatim JSON payload
// as the server (or the user, for offline writes) produced it. The cache never
// interprets the payload beyond two fields:
//
//   - "_id" is the record identifier
//   - "groupId" decides the scope; absent, null, and "" all mean personal
//
// # Pending ids
//
// Records created while offline receive a synthetic id with the reserved
// "pending_" prefix:
//
//	pending_1736930000123_1b4e28ba-2fa1-11d2-883f-0016d3cca427
//
// The millisecond timestamp keeps ids roughly ordered for humans; the UUID
// suffix keeps two creates in the same millisecond apart.
//
// # Typed views
//
// [Expense], [Category], [Group] and [User] decode payloads for callers.
// References such as categoryId may arrive either as a bare id or as a
// populated object; [Ref] accepts both.
//
// # Inbox files
//
// Expenses can also be dropped as individual JSON files into the daemon's
// inbox directory. [ReadExpenseFile] and [WriteExpenseFile] read and write
// that format:
//
//	{
//	  "amount": "50",
//	  "reason": "Taxi",
//	  "categoryId": "65a1f0c2e4b0a1b2c3d4e5f6",
//	  "date": "2026-01-10T07:36:29Z"
//	}
package schema
