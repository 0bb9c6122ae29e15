// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package platform

// The catalogs are parameter data. V1 is the legacy (first generation)
// service with numeric image ids; V2 is the current service with UUID
// image ids. Image ids are opaque: region-specific resolution is the
// provisioner adaptor's business.

// V1 is the legacy catalog.
var V1 = &Catalog{
	Managed: ImageMap{
		"centos": {
			"5": "114", "6": "118", "*": "118",
		},
		"redhat": {
			"5": "110", "6": "111", "*": "111",
		},
		"ubuntu": {
			"10.04": "112", "11.10": "119", "12.04": "125", "*": "125",
		},
		"debian": {
			"6": "103", "*": "103",
		},
	},
	Unmanaged: ImageMap{
		"centos": {
			"5": "114", "6": "118", "*": "118",
		},
		"redhat": {
			"5": "110", "6": "111", "*": "111",
		},
		"ubuntu": {
			"10.04": "112", "11.10": "119", "12.04": "125", "*": "125",
		},
		"debian": {
			"6": "103", "*": "103",
		},
		"gentoo": {
			"*": "108",
		},
		"fedora": {
			"16": "120", "17": "126", "*": "126",
		},
		"arch": {
			"*": "122",
		},
	},
	Flavors: []FlavorSpec{
		{ID: "1", MemMiB: 256, DiskGB: 10},
		{ID: "2", MemMiB: 512, DiskGB: 20},
		{ID: "3", MemMiB: 1024, DiskGB: 40},
		{ID: "4", MemMiB: 2048, DiskGB: 80},
		{ID: "5", MemMiB: 4096, DiskGB: 160},
		{ID: "6", MemMiB: 8192, DiskGB: 320},
		{ID: "7", MemMiB: 15872, DiskGB: 620},
		{ID: "8", MemMiB: 30720, DiskGB: 1200},
	},
}

// V2 is the current catalog.
var V2 = &Catalog{
	Managed: ImageMap{
		"centos": {
			"5.8": "c195ef3b-9195-4474-b6f7-16e5bd86acd0",
			"6":   "f7d06722-2b30-4c02-b74d-da5a7337f357",
			"*":   "f7d06722-2b30-4c02-b74d-da5a7337f357",
		},
		"redhat": {
			"5.8": "644be485-411d-4bac-aba5-5f60641d92b5",
			"6":   "d6dd6c70-a122-4391-91a8-decb1a356549",
			"*":   "d6dd6c70-a122-4391-91a8-decb1a356549",
		},
		"ubuntu": {
			"10.04": "d531a2dd-7ae9-4407-bb5a-e5ea03303d98",
			"11.10": "8bf22129-8483-462b-a020-1754ec822770",
			"12.04": "5cebb13a-f783-4f8c-8058-c4182c724ccd",
			"*":     "5cebb13a-f783-4f8c-8058-c4182c724ccd",
		},
	},
	Unmanaged: ImageMap{
		"centos": {
			"5.8": "c195ef3b-9195-4474-b6f7-16e5bd86acd0",
			"6":   "f7d06722-2b30-4c02-b74d-da5a7337f357",
			"*":   "f7d06722-2b30-4c02-b74d-da5a7337f357",
		},
		"redhat": {
			"5.8": "644be485-411d-4bac-aba5-5f60641d92b5",
			"6":   "d6dd6c70-a122-4391-91a8-decb1a356549",
			"*":   "d6dd6c70-a122-4391-91a8-decb1a356549",
		},
		"ubuntu": {
			"10.04": "d531a2dd-7ae9-4407-bb5a-e5ea03303d98",
			"11.10": "8bf22129-8483-462b-a020-1754ec822770",
			"12.04": "5cebb13a-f783-4f8c-8058-c4182c724ccd",
			"*":     "5cebb13a-f783-4f8c-8058-c4182c724ccd",
		},
		"amazon": {
			"*": "a3a2c42f-575f-4381-9c6d-fcd3b7d07d17",
		},
		"debian": {
			"6": "a10eacf7-ac15-4225-b533-5744f1fe47c1",
			"*": "a10eacf7-ac15-4225-b533-5744f1fe47c1",
		},
		"fedora": {
			"16": "bca91446-e60e-42e7-9e39-0582e7e20fb9",
			"17": "d42f821e-c2d1-4796-9f07-af5ed7912d0e",
			"*":  "d42f821e-c2d1-4796-9f07-af5ed7912d0e",
		},
		"arch": {
			"*": "c94f5e59-0760-467a-ae70-9a37cfa6b94e",
		},
		"gentoo": {
			"*": "110d5bd8-a0dc-4cf5-8e75-149a58c17bbf",
		},
		"opensuse": {
			"*": "9fb24e4a-8a50-4f13-8265-d1cf0d2a04ed",
		},
	},
	Flavors: []FlavorSpec{
		{ID: "2", MemMiB: 512, DiskGB: 20},
		{ID: "3", MemMiB: 1024, DiskGB: 40},
		{ID: "4", MemMiB: 2048, DiskGB: 80},
		{ID: "5", MemMiB: 4096, DiskGB: 160},
		{ID: "6", MemMiB: 8192, DiskGB: 320},
		{ID: "7", MemMiB: 15360, DiskGB: 620},
		{ID: "8", MemMiB: 30720, DiskGB: 1200},
	},
}
