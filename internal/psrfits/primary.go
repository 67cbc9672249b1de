package psrfits

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"

	"github.com/mattetti/psrconv/internal/obsinfo"
)

// HeaderVersion is the PSRFITS definition version written to HDRVER.
const HeaderVersion = "5.4"

// primaryCards lists the observation metadata of the primary HDU.
func primaryCards(info obsinfo.Info) []fitsio.Card {
	return []fitsio.Card{
		card("HDRVER", HeaderVersion, "Header version"),
		card("FITSTYPE", "PSRFITS", "FITS definition for pulsar data files"),
		card("DATE", info.FileDate, "File creation date (UTC)"),
		card("OBSERVER", info.Observer, "Observer name(s)"),
		card("PROJID", info.Project, "Project name"),
		card("TELESCOP", info.Telescope, "Telescope name"),
		card("ANT_X", info.AntX, "[m] Antenna ITRF X-coordinate (D)"),
		card("ANT_Y", info.AntY, "[m] Antenna ITRF Y-coordinate (D)"),
		card("ANT_Z", info.AntZ, "[m] Antenna ITRF Z-coordinate (D)"),
		card("FRONTEND", "unknown", "Receiver ID"),
		card("NRCVR", 1, "Number of receiver polarisation channels"),
		card("FD_POLN", "LIN", "LIN or CIRC"),
		card("FD_HAND", 1, "+/- 1. +1 is LIN:A=X,B=Y, CIRC:A=L,B=R (I)"),
		card("FD_SANG", 0.0, "[deg] FA of E vect for equal sig in A&B (E)"),
		card("FD_XYPH", 0.0, "[deg] Phase of A^* B for injected cal (E)"),
		card("BACKEND", "unknown", "Backend ID"),
		card("BECONFIG", "N/A", "Backend configuration file name"),
		card("BE_PHASE", 1, "0/+1/-1 BE cross-phase:0 unknown,+/-1 std/rev"),
		card("BE_DCC", 0, "0/1 BE downconversion conjugation corrected"),
		card("BE_DELAY", 0.0, "[s] Backend propn delay from digitiser input"),
		card("TCYCLE", 0.0, "[s] On-line cycle time (D)"),
		card("OBS_MODE", "SEARCH", "(PSR, CAL, SEARCH)"),
		card("DATE-OBS", info.ObsDate, "Date of observation (UTC)"),
		card("OBSFREQ", info.FCenter, "[MHz] Centre frequency for observation"),
		card("OBSBW", info.ObsBW, "[MHz] Bandwidth for observation"),
		card("OBSNCHAN", info.NChan, "Number of frequency channels in this file"),
		card("CHAN_DM", 0.0, "[cm-3 pc] DM used for on-line dedispersion"),
		card("SRC_NAME", info.SourceName, "Source or scan ID"),
		card("COORD_MD", "J2000", "Coordinate mode (J2000, GALACTIC, ECLIPTIC)"),
		card("EQUINOX", 2000.0, "Equinox of coords (e.g. 2000.0)"),
		card("RA", info.RAStr, "Right ascension (hh:mm:ss.ssss)"),
		card("DEC", info.DecStr, "Declination (-dd:mm:ss.sss)"),
		card("BMAJ", info.BeamMajor, "[deg] Beam major axis length"),
		card("BMIN", info.BeamMinor, "[deg] Beam minor axis length"),
		card("BPA", info.BeamPA, "[deg] Beam position angle"),
		card("STT_CRD1", info.RAStr, "Start coord 1 (hh:mm:ss.sss)"),
		card("STT_CRD2", info.DecStr, "Start coord 2 (-dd:mm:ss.sss)"),
		card("TRK_MODE", "TRACK", "Track mode (TRACK, SCANGC, SCANLAT)"),
		card("STP_CRD1", info.RAStr, "Stop coord 1 (hh:mm:ss.sss)"),
		card("STP_CRD2", info.DecStr, "Stop coord 2 (-dd:mm:ss.sss)"),
		card("SCANLEN", info.ScanLen, "[s] Requested scan length (E)"),
		card("FA_REQ", 0.0, "[deg] Feed/Posn angle requested (E)"),
		card("CAL_MODE", "OFF", "Cal mode (OFF, SYNC, EXT1, EXT2)"),
		card("STT_IMJD", info.IMJD, "Start MJD (UTC days) (J - long integer)"),
		card("STT_SMJD", info.SMJD, "[s] Start time (sec past UTC 00h) (J)"),
		card("STT_OFFS", info.Offs, "[s] Start time offset (D)"),
		card("STT_LST", info.LST, "[s] Start LST (D)"),
	}
}

// writePrimary writes a data-less primary HDU carrying cards.
func writePrimary(w io.Writer, cards []fitsio.Card) error {
	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("error creating FITS stream: %w", err)
	}
	defer f.Close()

	phdu := fitsio.NewImage(8, nil)
	defer phdu.Close()
	if err := phdu.Header().Append(cards...); err != nil {
		return fmt.Errorf("error building primary header: %w", err)
	}
	if err := f.Write(phdu); err != nil {
		return fmt.Errorf("error writing primary header: %w", err)
	}
	return nil
}
