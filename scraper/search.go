package scraper

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ryanm101/romscraper/catalog"
	"github.com/ryanm101/romscraper/fingerprint"
)

// HashFile fingerprints a file. Failures are reported as KindIO.
func HashFile(path string) (fingerprint.Fingerprint, error) {
	fp, _, err := fingerprint.File(path)
	if err != nil {
		return fingerprint.Fingerprint{}, &Error{Kind: KindIO, Op: "hash_file", Err: err}
	}
	return fp, nil
}

// SearchByFile identifies a ROM file by its content hashes.
func (c *Client) SearchByFile(ctx context.Context, path, platform string) (*catalog.Record, error) {
	systemID, err := c.platformID(platform)
	if err != nil {
		return nil, err
	}
	fp, size, err := fingerprint.File(path)
	if err != nil {
		return nil, &Error{Kind: KindIO, Op: "search_by_file", Err: err}
	}
	return c.searchByHash(ctx, fp, filepath.Base(path), size, systemID)
}

// SearchByFingerprint identifies a ROM from hashes computed elsewhere, such as
// a member of a zip archive. name and size describe the ROM as dumped.
func (c *Client) SearchByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, name string, size int64, platform string) (*catalog.Record, error) {
	systemID, err := c.platformID(platform)
	if err != nil {
		return nil, err
	}
	if fp.IsZero() {
		return nil, fmt.Errorf("%w: empty fingerprint", ErrInvalidArg)
	}
	return c.searchByHash(ctx, fp, name, size, systemID)
}

func (c *Client) searchByHash(ctx context.Context, fp fingerprint.Fingerprint, name string, size int64, systemID int) (*catalog.Record, error) {
	params := url.Values{}
	params.Set("md5", fp.MD5)
	params.Set("sha1", fp.SHA1)
	params.Set("crc", fp.CRC32)
	params.Set("romnom", name)
	params.Set("romtaille", strconv.FormatInt(size, 10))
	params.Set("systemeid", strconv.Itoa(systemID))
	params.Set("romtype", "rom")

	resp, err := c.call(ctx, operation{name: "search_by_file", endpoint: "jeuInfos.php", params: params}, true)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("rom identified", "rom", name, "game_id", resp.Record.ID, "name", resp.Record.Name)
	return resp.Record, nil
}

// SearchByName returns the catalog's best match for a title on a platform.
func (c *Client) SearchByName(ctx context.Context, name, platform string) (*catalog.Record, error) {
	systemID, err := c.platformID(platform)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidArg)
	}

	params := url.Values{}
	params.Set("recherche", name)
	params.Set("systemeid", strconv.Itoa(systemID))
	resp, err := c.call(ctx, operation{name: "search_by_name", endpoint: "jeuRecherche.php", params: params}, true)
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// SearchByID fetches a game by its catalog id.
func (c *Client) SearchByID(ctx context.Context, id string) (*catalog.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty game id", ErrInvalidArg)
	}

	params := url.Values{}
	params.Set("gameid", id)
	resp, err := c.call(ctx, operation{name: "search_by_id", endpoint: "jeuInfos.php", params: params}, true)
	if err != nil {
		return nil, err
	}
	return resp.Record, nil
}

// UserInfo returns the service's view of the user's quota and reconciles the
// local governor with it. It needs the user credential pair.
func (c *Client) UserInfo(ctx context.Context) (*catalog.UserQuota, error) {
	if !c.creds.hasUser() {
		return nil, fmt.Errorf("%w: user id and password are required", ErrInvalidArg)
	}
	resp, err := c.call(ctx, operation{name: "user_info", endpoint: "ssuserInfos.php"}, false)
	if err != nil {
		return nil, err
	}
	if resp.User == nil {
		return nil, &Error{Kind: KindProtocol, Op: "user_info", Attempts: 1, Err: fmt.Errorf("response has no user block")}
	}
	return resp.User, nil
}
