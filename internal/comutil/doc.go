// Package comutil holds the pure-Go COM plumbing shared by the D3D11 capture
// backend and the Media Foundation sink writer. All functionality is Windows
// only.
package comutil
